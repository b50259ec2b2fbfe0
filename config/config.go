// Package config loads the typed run configuration from YAML.
//
// Every section starts from its default; a file only names what it
// overrides. Keys that no section defines are rejected.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/notargets/freqtopo/artifacts"
	"github.com/notargets/freqtopo/constraint"
	"github.com/notargets/freqtopo/eigen"
	"github.com/notargets/freqtopo/fem"
	"github.com/notargets/freqtopo/filter"
	"github.com/notargets/freqtopo/logging"
	"github.com/notargets/freqtopo/optimize"
	"github.com/notargets/freqtopo/refine"
)

// Domain selects the benchmark geometry and its supports.
type Domain struct {
	Name constraint.Domain `yaml:"name"`

	constraint.Geometry `yaml:",inline"`

	// BCs default to the supports of the named domain when empty.
	BCs []fem.BoundaryCondition `yaml:"bcs"`
}

// Mesh controls the initial forest and the refinement loop.
type Mesh struct {
	TreesY   int `yaml:"trees_y"` // trees across the height; the width follows the aspect ratio
	Depth    int `yaml:"initial_depth"`
	Order    int `yaml:"order"`
	MGLevels int `yaml:"mg_levels"`
	Steps    int `yaml:"refine_steps"`
}

// ObjectiveKind names what the optimizer minimizes.
type ObjectiveKind string

const (
	// MassObjective minimizes mass subject to the frequency constraint.
	MassObjective ObjectiveKind = "mass"
	// ComplianceObjective minimizes compliance subject to a mass constraint
	// and, when enabled, the frequency constraint.
	ComplianceObjective ObjectiveKind = "compliance"
)

type Objective struct {
	Kind    ObjectiveKind `yaml:"kind"`
	VolFrac float64       `yaml:"vol_frac"`
	// Scale multiplies the compliance.
	Scale float64 `yaml:"scale"`
	// Loads of the compliance objective; empty selects the domain default.
	Loads []fem.PointLoad `yaml:"loads"`
}

// Frequency parameterizes the frequency constraint.
type Frequency struct {
	Enabled bool    `yaml:"enabled"`
	NumEigs int     `yaml:"num_eigs"`
	Omega   float64 `yaml:"omega"` // lowest admissible frequency; λ0 = (2πω)²

	KSWeight  float64 `yaml:"ks_weight"`
	EigScale  float64 `yaml:"eig_scale"`
	MaxJDSize int     `yaml:"max_jd_size"`
	MaxGMRES  int     `yaml:"max_gmres_size"`
	EigRtol   float64 `yaml:"eig_rtol"`
	EigAtol   float64 `yaml:"eig_atol"`
	Rtol      float64 `yaml:"rtol"`
	Atol      float64 `yaml:"atol"`

	NumRecycle       int     `yaml:"num_recycle"`
	AddNonDesignMass bool    `yaml:"add_non_design_mass"`
	MScale           float64 `yaml:"mscale"`
	KScale           float64 `yaml:"kscale"`
	QNStep           float64 `yaml:"qn_step"`

	// CheckEigs generalized eigenpairs are computed at every step optimum.
	// Zero skips the check.
	CheckEigs int `yaml:"check_eigs"`
}

// Lambda0 returns (2πω)².
func (f Frequency) Lambda0() float64 {
	w := 2 * math.Pi * f.Omega
	return w * w
}

// Options converts the section to constraint options. The non-design
// indices depend on the mesh and are set by the caller.
func (f Frequency) Options() constraint.Options {
	return constraint.Options{
		NumEigs:    f.NumEigs,
		KSWeight:   f.KSWeight,
		Lambda0:    f.Lambda0(),
		EigScale:   f.EigScale,
		MaxJDSize:  f.MaxJDSize,
		MaxGMRES:   f.MaxGMRES,
		Tolerances: eigen.Tolerances{EigRtol: f.EigRtol, EigAtol: f.EigAtol, Rtol: f.Rtol, Atol: f.Atol},
		NumRecycle: f.NumRecycle,

		AddNonDesignMass: f.AddNonDesignMass,
		MScale:           f.MScale,
		KScale:           f.KScale,
		QNStep:           f.QNStep,
	}
}

// Optimizer adds the per-step iteration budgets to the optimizer options.
// stop.max_iterations applies to every step but the last.
type Optimizer struct {
	optimize.Options `yaml:",inline"`
	// NiterFinest is the budget of the last refinement step.
	NiterFinest int `yaml:"niter_finest"`
}

// Reduced controls the variables pinned in the non-design region.
type Reduced struct {
	FixedValue    float64 `yaml:"fixed_value"`
	InitValue     float64 `yaml:"init_value"`
	Lower         float64 `yaml:"lower"`
	Upper         float64 `yaml:"upper"`
	SnapshotEvery int     `yaml:"snapshot_every"`
}

type Metrics struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Namespace string `yaml:"namespace"`
}

// Parallel sets the number of in-process ranks.
type Parallel struct {
	Ranks int `yaml:"ranks"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// Config is the complete run configuration.
type Config struct {
	Domain    Domain            `yaml:"domain"`
	Material  fem.Material      `yaml:"material"`
	Mesh      Mesh              `yaml:"mesh"`
	Filter    filter.Options    `yaml:"filter"`
	Objective Objective         `yaml:"objective"`
	Frequency Frequency         `yaml:"frequency"`
	Optimizer Optimizer         `yaml:"optimizer"`
	Refine    refine.Options    `yaml:"refine"`
	Reduced   Reduced           `yaml:"reduced"`
	Artifacts artifacts.Options `yaml:"artifacts"`
	Metrics   Metrics           `yaml:"metrics"`
	Parallel  Parallel          `yaml:"parallel"`
	Log       Log               `yaml:"log"`
}

// Default returns a three-step frequency-constrained mass minimization of
// a 2x1 cantilever.
func Default() *Config {
	fopts := constraint.DefaultOptions()
	tol := fopts.Tolerances
	opt := optimize.DefaultOptions()
	return &Config{
		Domain: Domain{
			Name:     constraint.Cantilever,
			Geometry: constraint.Geometry{Len0: 1, AR: 2, Ratio: 0.4},
		},
		Material: fem.DefaultMaterial(),
		Mesh:     Mesh{TreesY: 1, Depth: 3, Order: 2, MGLevels: 2, Steps: 3},
		Filter:   filter.Options{Type: filter.Helmholtz, R0: 0.05},
		Objective: Objective{
			Kind:    MassObjective,
			VolFrac: 0.4,
			Scale:   1,
		},
		Frequency: Frequency{
			Enabled:          true,
			NumEigs:          fopts.NumEigs,
			Omega:            0.01,
			KSWeight:         fopts.KSWeight,
			EigScale:         fopts.EigScale,
			MaxJDSize:        fopts.MaxJDSize,
			MaxGMRES:         fopts.MaxGMRES,
			EigRtol:          tol.EigRtol,
			EigAtol:          tol.EigAtol,
			Rtol:             tol.Rtol,
			Atol:             tol.Atol,
			NumRecycle:       fopts.NumRecycle,
			AddNonDesignMass: fopts.AddNonDesignMass,
			MScale:           fopts.MScale,
			KScale:           fopts.KScale,
			QNStep:           fopts.QNStep,
		},
		Optimizer: Optimizer{Options: opt, NiterFinest: 15},
		Refine:    refine.DefaultOptions(),
		Reduced: Reduced{
			FixedValue:    1,
			InitValue:     0.95,
			Lower:         1e-3,
			Upper:         1,
			SnapshotEvery: 1,
		},
		Artifacts: artifacts.DefaultOptions(),
		Metrics:   Metrics{Addr: ":9090", Namespace: "freqtopo"},
		Parallel:  Parallel{Ranks: 1},
		Log:       Log{Level: "info", Format: "text"},
	}
}

// Load decodes YAML from r over the defaults and validates the result.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		var te *yaml.TypeError
		if errors.As(err, &te) && unknownField(te) {
			return nil, &Error{Err: fmt.Errorf("%w: %s", ErrUnknownOption, strings.Join(te.Errors, "; "))}
		}
		return nil, &Error{Err: fmt.Errorf("failed to decode yaml: %w", err)}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads and decodes the configuration file at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}
	return Load(bytes.NewReader(data))
}

func unknownField(te *yaml.TypeError) bool {
	for _, msg := range te.Errors {
		if strings.Contains(msg, "not found in type") {
			return true
		}
	}
	return false
}

// NumConstraints returns the number of optimizer constraints the objective
// kind produces.
func (c *Config) NumConstraints() int {
	n := 1
	if c.Objective.Kind == ComplianceObjective && c.Frequency.Enabled {
		n++
	}
	return n
}

// TreeGrid returns the number of trees in x and y.
func (c *Config) TreeGrid() (nx, ny int) {
	ny = c.Mesh.TreesY
	nx = max(1, int(math.Round(c.Domain.AR*float64(ny))))
	return nx, ny
}

// BoundaryConditions returns the configured supports, or the domain default.
func (c *Config) BoundaryConditions() []fem.BoundaryCondition {
	if len(c.Domain.BCs) > 0 {
		return c.Domain.BCs
	}
	switch c.Domain.Name {
	case constraint.MBB:
		return []fem.BoundaryCondition{
			{Edge: fem.XMin, Components: []int{0}},
			{Edge: fem.XMax, Components: []int{1}},
		}
	case constraint.LBracket:
		return []fem.BoundaryCondition{{Edge: fem.YMax, Components: []int{0, 1}}}
	default:
		return []fem.BoundaryCondition{{Edge: fem.XMin, Components: []int{0, 1}}}
	}
}

// Loads returns the configured compliance loads, or a unit downward load at
// the domain's loading point.
func (c *Config) Loads() []fem.PointLoad {
	if len(c.Objective.Loads) > 0 {
		return c.Objective.Loads
	}
	lx, ly := c.Domain.Lengths()
	switch c.Domain.Name {
	case constraint.Michell:
		return []fem.PointLoad{{X: lx, Y: 0.5 * ly, Fy: -1}}
	case constraint.MBB:
		return []fem.PointLoad{{X: 0, Y: ly, Fy: -1}}
	case constraint.LBracket:
		return []fem.PointLoad{{X: lx, Y: 0.5 * c.Domain.Ratio * ly, Fy: -1}}
	default:
		return []fem.PointLoad{{X: lx, Y: 0, Fy: -1}}
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	checks := []struct {
		section string
		check   func() error
	}{
		{"domain", c.validateDomain},
		{"material", c.Material.Validate},
		{"mesh", c.validateMesh},
		{"filter", c.validateFilter},
		{"objective", c.validateObjective},
		{"frequency", c.validateFrequency},
		{"optimizer", c.validateOptimizer},
		{"refine", c.Refine.Validate},
		{"reduced", c.validateReduced},
		{"artifacts", c.Artifacts.Validate},
		{"metrics", c.validateMetrics},
		{"parallel", c.validateParallel},
		{"log", c.validateLog},
	}
	for _, ch := range checks {
		if err := ch.check(); err != nil {
			return sectionErr(ch.section, err)
		}
	}
	return nil
}

func (c *Config) validateDomain() error {
	d, err := constraint.ParseDomain(string(c.Domain.Name))
	if err != nil {
		return err
	}
	c.Domain.Name = d
	g := c.Domain.Geometry
	switch {
	case !(g.Len0 > 0):
		return fmt.Errorf("len0 must be positive, got %g", g.Len0)
	case !(g.AR > 0):
		return fmt.Errorf("aspect_ratio must be positive, got %g", g.AR)
	case d == constraint.LBracket && !(g.Ratio > 0 && g.Ratio < 1):
		return fmt.Errorf("ratio must lie in (0, 1), got %g", g.Ratio)
	}
	return nil
}

func (c *Config) validateMesh() error {
	m := c.Mesh
	switch {
	case m.TreesY < 1:
		return fmt.Errorf("trees_y must be positive, got %d", m.TreesY)
	case m.Depth < 0:
		return fmt.Errorf("initial_depth must be non-negative, got %d", m.Depth)
	case m.Order < 2 || m.Order > 3:
		return fmt.Errorf("order must be 2 or 3, got %d", m.Order)
	case m.MGLevels < 1:
		return fmt.Errorf("mg_levels must be positive, got %d", m.MGLevels)
	case m.Steps < 1:
		return fmt.Errorf("refine_steps must be positive, got %d", m.Steps)
	}
	return nil
}

func (c *Config) validateFilter() error {
	t, err := filter.ParseType(string(c.Filter.Type))
	if err != nil {
		return err
	}
	c.Filter.Type = t
	if t != filter.Lagrange && !(c.Filter.R0 > 0) {
		return fmt.Errorf("%s filter needs a positive r0, got %g", t, c.Filter.R0)
	}
	return nil
}

func (c *Config) validateObjective() error {
	o := c.Objective
	switch o.Kind {
	case MassObjective:
		if !c.Frequency.Enabled {
			return errors.New("mass minimization needs the frequency constraint")
		}
	case ComplianceObjective:
		if !(o.Scale > 0) {
			return fmt.Errorf("scale must be positive, got %g", o.Scale)
		}
	default:
		return fmt.Errorf("unknown objective %q", o.Kind)
	}
	if !(o.VolFrac > 0 && o.VolFrac <= 1) {
		return fmt.Errorf("vol_frac must lie in (0, 1], got %g", o.VolFrac)
	}
	return nil
}

func (c *Config) validateFrequency() error {
	if !c.Frequency.Enabled {
		return nil
	}
	if c.Frequency.Omega < 0 {
		return fmt.Errorf("omega must be non-negative, got %g", c.Frequency.Omega)
	}
	if c.Frequency.CheckEigs < 0 {
		return fmt.Errorf("check_eigs must be non-negative, got %d", c.Frequency.CheckEigs)
	}
	return c.Frequency.Options().Validate()
}

func (c *Config) validateOptimizer() error {
	m, err := optimize.ParseMethod(string(c.Optimizer.Method))
	if err != nil {
		return err
	}
	c.Optimizer.Method = m
	if err := c.Optimizer.Options.Validate(); err != nil {
		return err
	}
	if c.Optimizer.NiterFinest <= 0 {
		return fmt.Errorf("niter_finest must be positive, got %d", c.Optimizer.NiterFinest)
	}
	if m == optimize.MMA && c.NumConstraints() != 1 {
		return fmt.Errorf("mma needs exactly one constraint, the configuration has %d", c.NumConstraints())
	}
	return nil
}

func (c *Config) validateReduced() error {
	r := c.Reduced
	switch {
	case !(r.Lower < r.Upper):
		return fmt.Errorf("lower %g must be below upper %g", r.Lower, r.Upper)
	case r.InitValue < r.Lower || r.InitValue > r.Upper:
		return fmt.Errorf("init_value %g outside [%g, %g]", r.InitValue, r.Lower, r.Upper)
	case r.SnapshotEvery < 0:
		return fmt.Errorf("snapshot_every must be non-negative, got %d", r.SnapshotEvery)
	}
	return nil
}

func (c *Config) validateMetrics() error {
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return errors.New("enabled metrics need a listen address")
	}
	return nil
}

func (c *Config) validateParallel() error {
	if c.Parallel.Ranks < 1 {
		return fmt.Errorf("ranks must be positive, got %d", c.Parallel.Ranks)
	}
	return nil
}

func (c *Config) validateLog() error {
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
		return nil
	}
	return fmt.Errorf("unknown log format %q", c.Log.Format)
}
