package steps

import (
	"context"
	"fmt"
	"modelchain/internal/chain"
	"modelchain/internal/toolrunner"
	"regexp"
	"strconv"
	"strings"
)

var (
	inputPointsRe = regexp.MustCompile(`Input Points: (\d+)`)
	loadedMeshRe  = regexp.MustCompile(`Mesh (.*) loaded has (\d+) vn`)
)

const (
	markerMissingNormals = "Failed to find property"
	markerFittingPlanes  = "Fitting planes"
)

// normal probes the point cloud with PoissonRecon and, when the cloud has
// no normals, computes them with meshlab. Progress follows meshlab's plane
// fitting lines. Both passes run again from scratch on every start.
//
// Callbacks of one tool run on one goroutine and the second tool is only
// spawned from the first one's exit, so the fields need no lock.
type normal struct {
	cfg Config

	input  string
	output string

	second  bool // meshlab is running
	needed  bool // the probe found no normals
	markers int
}

func (n *normal) Launch(ctx context.Context, s *chain.Session) error {
	in, err := inputFile(ctx, s, codePointCloud)
	if err != nil {
		return err
	}
	n.input = in
	n.output = derivedPath(in, ".normal.ply")
	s.Logger().Info("Probing point cloud", "input", n.input)
	return s.Spawn(toolrunner.Command{
		Name: n.cfg.PoissonReconBin,
		Args: []string{"--in", n.input, "--depth", "0", "--verbose"},
	})
}

func (n *normal) OnOutput(s *chain.Session, line toolrunner.Line) {
	if !n.second {
		if line.Stream != toolrunner.Stdout {
			return
		}
		if strings.Contains(line.Text, markerMissingNormals) {
			n.needed = true
			return
		}
		if m := inputPointsRe.FindStringSubmatch(line.Text); m != nil {
			n.checkLimit(s, m[1])
		}
		return
	}

	if strings.Contains(line.Text, markerFittingPlanes) {
		n.markers++
		s.Progress(n.markers * 100 / n.cfg.ExpectedMarkers)
		return
	}
	if m := loadedMeshRe.FindStringSubmatch(line.Text); m != nil {
		n.checkLimit(s, m[2])
	}
}

// OnExit ignores the exit status of both tools: the probe exits non-zero
// on clouds it cannot reconstruct, and meshlab is judged by its output.
func (n *normal) OnExit(ctx context.Context, s *chain.Session, exitErr error) {
	if !n.second {
		if !n.needed {
			s.Logger().Info("Point cloud already has normals")
			s.Finish(&chain.Output{Code: codePointCloud, Path: n.input})
			return
		}
		n.second = true
		n.markers = 0
		s.Logger().Info("Computing normals", "output", n.output)
		err := s.Spawn(toolrunner.Command{
			Name: n.cfg.MeshlabBin,
			Args: []string{"-i", n.input, "-o", n.output, "-m", "vn", "-s", n.cfg.MeshlabScript},
		})
		if err != nil {
			s.Fail(err)
		}
		return
	}

	if !s.FS().Exists(n.output) {
		s.Fail(fmt.Errorf("%s produced no output at %s (exit status %d)", n.cfg.MeshlabBin, n.output, exitStatus(exitErr)))
		return
	}
	s.Finish(&chain.Output{Code: codePointCloud, Path: n.output})
}

func (n *normal) Cleanup() {}

func (n *normal) checkLimit(s *chain.Session, raw string) {
	points, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return
	}
	if points > n.cfg.MaxPointLimit {
		s.Fail(fmt.Errorf("input point cloud is too large: %d points detected, limit is %d", points, n.cfg.MaxPointLimit))
	}
}
