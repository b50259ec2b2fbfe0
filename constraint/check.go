package constraint

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/notargets/freqtopo/eigen"
	"github.com/notargets/freqtopo/fem"
	"github.com/notargets/freqtopo/filter"
	"github.com/notargets/freqtopo/linalg"
	"github.com/notargets/freqtopo/logging"
	"github.com/notargets/freqtopo/multigrid"
)

// EigenCheckOptions parameterizes GeneralEigenCheck.
type EigenCheckOptions struct {
	NumEigs   int
	MaxJDSize int
	MaxGMRES  int

	AddNonDesignMass bool
	NonDesignIndices []int
	MScale           float64
	KScale           float64

	Log *logging.Logger
}

// DefaultEigenCheckOptions returns the options for ten eigenpairs.
func DefaultEigenCheckOptions() EigenCheckOptions {
	return EigenCheckOptions{NumEigs: 10, MaxJDSize: 200, MaxGMRES: 30, MScale: 1, KScale: 1}
}

// EigenCheck holds the generalized eigenpairs K v = λ M v of a design.
type EigenCheck struct {
	Eigenvalues  []float64
	Eigenvectors [][]float64
	// Residuals are ‖K v - λ M v‖.
	Residuals []float64
}

// GeneralEigenCheck filters the design x, sets it in the assembler and
// solves K v = λ M v directly. mg is refactored with K.
func GeneralEigenCheck(ctx context.Context, asm *fem.Assembler, f filter.Filter, mg *multigrid.MG, x []float64, opts EigenCheckOptions) (*EigenCheck, error) {
	log := logging.OrNoop(opts.Log)
	if len(x) != f.NumDesignVars() {
		return nil, fmt.Errorf("%w: design of length %d, expected %d", fem.ErrDimensionMismatch, len(x), f.NumDesignVars())
	}
	rho := make([]float64, len(x))
	f.Apply(x, rho)
	if err := asm.SetDesignVars(rho); err != nil {
		return nil, err
	}
	K, err := asm.AssembleMatType(ctx, fem.Stiffness)
	if err != nil {
		return nil, err
	}
	M, err := asm.AssembleMatType(ctx, fem.Mass)
	if err != nil {
		return nil, err
	}
	if opts.AddNonDesignMass {
		m0, k0, err := nonDesignMats(ctx, asm, opts.NonDesignIndices, opts.MScale, opts.KScale)
		if err != nil {
			return nil, err
		}
		if K, err = linalg.Add(1, K, 1, k0); err != nil {
			return nil, err
		}
		if M, err = linalg.Add(1, M, 1, m0); err != nil {
			return nil, err
		}
	}
	asm.ApplyMatBCs(K)
	asm.ApplyMatBCs(M)

	if mgmat := mg.Mat(); mgmat != nil && mgmat.SamePattern(K) {
		err = mgmat.CopyValues(K)
	} else {
		err = mg.SetMat(K.Clone())
	}
	if err != nil {
		return nil, err
	}
	if err := mg.Factor(); err != nil {
		return nil, fmt.Errorf("failed to factor preconditioner: %w", err)
	}

	jd, err := eigen.New(K, mg, asm.NumDofs(), opts.NumEigs, opts.MaxJDSize, opts.MaxGMRES,
		eigen.WithMassOperator(M),
		eigen.WithTolerances(eigen.Tolerances{EigRtol: 1e-6, EigAtol: 1e-8, Rtol: 1e-12, Atol: 1e-15}),
		eigen.WithFixedDofs(asm.BCDofs()),
		eigen.WithLogger(log))
	if err != nil {
		return nil, err
	}
	res, err := jd.Solve(ctx)
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("generalized eigenproblem: %w", err)
	}

	out := &EigenCheck{
		Eigenvalues:  make([]float64, opts.NumEigs),
		Eigenvectors: make([][]float64, opts.NumEigs),
		Residuals:    make([]float64, opts.NumEigs),
	}
	kv := asm.CreateVec()
	mv := asm.CreateVec()
	for i := 0; i < opts.NumEigs; i++ {
		v := asm.CreateVec()
		lam, _, err := jd.ExtractEigenvector(i, v)
		if err != nil {
			return nil, err
		}
		K.Mult(v, kv)
		M.Mult(v, mv)
		floats.AddScaled(kv, -lam, mv)
		out.Eigenvalues[i] = lam
		out.Eigenvectors[i] = v
		out.Residuals[i] = floats.Norm(kv, 2)
	}
	log.Info("generalized eigenvalues checked", "eigenvalues", out.Eigenvalues, "max_residual", floats.Max(out.Residuals))
	return out, nil
}
