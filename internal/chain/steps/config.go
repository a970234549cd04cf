package steps

import (
	"modelchain/internal/config"
	"time"
)

// Config holds the tool binaries and thresholds used by the built-in steps.
type Config struct {
	MaxPointLimit   int64         // inputs above this point count fail fatally
	ExpectedMarkers int           // "Fitting planes" lines meshlab prints for a full run
	QuietPeriod     time.Duration // sampling output is done after this long without writes
	PoissonReconBin string
	MeshlabBin      string
	MeshlabScript   string // filter script computing vertex normals
	CloudCompareBin string
}

// LoadConfigFromEnv loads step configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		MaxPointLimit:   config.GetInt64Env("MAX_POINT_LIMIT", 1000000),
		ExpectedMarkers: config.GetIntEnv("NORMAL_EXPECTED_MARKERS", 91),
		QuietPeriod:     config.GetDurationEnv("SAMPLING_QUIET_PERIOD", time.Second),
		PoissonReconBin: config.GetEnv("POISSON_RECON_BIN", "PoissonRecon.x64"),
		MeshlabBin:      config.GetEnv("MESHLAB_BIN", "meshlabserver"),
		MeshlabScript:   config.GetEnv("MESHLAB_SCRIPT", "meshlab_normal.mlx"),
		CloudCompareBin: config.GetEnv("CLOUDCOMPARE_BIN", "cloudcompare"),
	}
	return cfg.withDefaults()
}

// withDefaults repairs zero or negative values.
func (c Config) withDefaults() Config {
	if c.MaxPointLimit <= 0 {
		c.MaxPointLimit = 1000000
	}
	if c.ExpectedMarkers <= 0 {
		c.ExpectedMarkers = 91
	}
	if c.QuietPeriod <= 0 {
		c.QuietPeriod = time.Second
	}
	if c.PoissonReconBin == "" {
		c.PoissonReconBin = "PoissonRecon.x64"
	}
	if c.MeshlabBin == "" {
		c.MeshlabBin = "meshlabserver"
	}
	if c.MeshlabScript == "" {
		c.MeshlabScript = "meshlab_normal.mlx"
	}
	if c.CloudCompareBin == "" {
		c.CloudCompareBin = "cloudcompare"
	}
	return c
}
