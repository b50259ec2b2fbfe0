package constraint

import (
	"context"
	"fmt"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/notargets/freqtopo/fem"
	"github.com/notargets/freqtopo/partitions"
)

// zeroEntries zeroes x at idx.
func zeroEntries(x []float64, idx []int) {
	for _, i := range idx {
		x[i] = 0
	}
}

func checkIndices(idx []int, n int) error {
	for _, i := range idx {
		if i < 0 || i >= n {
			return fmt.Errorf("index %d outside [0, %d)", i, n)
		}
	}
	return nil
}

// QNCorrection adds z·Fᵀ P F s to y, where P is the weighted Hessian of the
// eigenvalues restricted to the current eigenpairs, estimated by a central
// difference of the eigenvalue sensitivities along F s. Entries listed in
// zeroIdx are held fixed. The correction is skipped, and false returned,
// when the curvature (F s)ᵀ P (F s) is not positive.
func (c *FrequencyConstraint) QNCorrection(ctx context.Context, sess *Session, zeroIdx []int, z float64, s, y []float64) (bool, error) {
	start := time.Now()
	if err := c.checkCurrent(sess); err != nil {
		return false, fmt.Errorf("failed to compute curvature correction: %w", err)
	}
	n := c.asm.NumDesignVars()
	if len(s) != n || len(y) != n {
		return false, fmt.Errorf("%w: step and update of length %d and %d, expected %d",
			fem.ErrDimensionMismatch, len(s), len(y), n)
	}
	if err := checkIndices(zeroIdx, n); err != nil {
		return false, err
	}

	svec := make([]float64, n)
	c.f.Apply(s, svec)
	zeroEntries(svec, zeroIdx)

	h := c.opts.QNStep
	rho := make([]float64, n)
	c.asm.GetDesignVars(rho)
	rhoP := make([]float64, n)
	rhoM := make([]float64, n)
	floats.AddScaledTo(rhoP, rho, h, svec)
	floats.AddScaledTo(rhoM, rho, -h, svec)

	// The mass matrix is linear in ρ: only the stiffness term has curvature.
	temp := c.asm.CreateDesignVec()
	for i, eta := range sess.eta {
		coeff := eta * c.opts.EigScale / (2 * h)
		v := c.vecs[i]
		if err := c.asm.AddMatDVSensInnerProductAt(ctx, coeff, fem.Stiffness, rhoP, v, v, temp); err != nil {
			return false, err
		}
		if err := c.asm.AddMatDVSensInnerProductAt(ctx, -coeff, fem.Stiffness, rhoM, v, v, temp); err != nil {
			return false, err
		}
	}
	temp.BeginSetValues(partitions.AddValues)
	temp.EndSetValues(partitions.AddValues)
	update := append([]float64(nil), temp.Array()...)
	zeroEntries(update, zeroIdx)

	curv := floats.Dot(svec, update)
	applied := curv > 0
	if applied {
		out := make([]float64, n)
		c.f.ApplyTranspose(update, out)
		zeroEntries(out, zeroIdx)
		floats.AddScaled(y, z, out)
	} else {
		c.log.LogCurvatureSkip(ctx, curv)
	}

	elapsed := time.Since(start)
	c.curvs = append(c.curvs, curv)
	c.qnTimes = append(c.qnTimes, elapsed)
	c.obs.OnQNCorrection(applied, curv, elapsed)
	c.log.Debug("curvature correction", "curvature", curv, "applied", applied,
		"norm_s", floats.Norm(s, 2), "norm_update", floats.Norm(update, 2))
	return applied, nil
}
