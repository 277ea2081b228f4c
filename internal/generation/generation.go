// Package generation parses `nix-env --list-generations` output and
// identifies the profile's current generation. The parse loop is permissive
// per-line (warn and skip an anomalous line) but strict overall (exactly one
// current generation, or the whole listing is rejected) — see spec.md §4.2.
//
// The tokenizing style (manual field splitting, defensive bounds checks,
// warn-don't-fail on anomaly) is grounded on this repository's own
// historical PackageVersion.ParseVersion, which applies the same discipline
// to similarly loosely-structured package filenames.
package generation

import (
	"context"
	"log"
	"strconv"
	"strings"

	"github.com/distr1/fleet"
	"golang.org/x/xerrors"
)

// Generation is one entry in `nix-env --list-generations` output.
type Generation struct {
	ID      uint32
	Current bool
	// DateTime is the "<date> <time>" pair, kept as an opaque string per
	// spec.md §3 — it is never parsed or compared, only surfaced to
	// operators.
	DateTime string
}

// currentMarkers is the set of trailing tokens recognized as the "this is
// the active generation" marker. Modeled on this repository's Architectures
// validity-set idiom (a map used purely for membership testing).
var currentMarkers = map[string]bool{
	"(current)": true,
}

// MalformedListing means more than one generation in the listing was marked
// current — the rollback target would be ambiguous.
type MalformedListing struct {
	Host fleet.Host
}

func (e *MalformedListing) Error() string {
	return xerrors.Errorf("more than one current generation in listing for %s", e.Host).Error()
}

// NoCurrentGeneration means no generation in the listing was marked current.
type NoCurrentGeneration struct {
	Host fleet.Host
}

func (e *NoCurrentGeneration) Error() string {
	return xerrors.Errorf("no current generation found in listing for %s", e.Host).Error()
}

const (
	profilePath = "/nix/var/nix/profiles/system"
)

// GetCurrentGeneration invokes `nix-env --list-generations` on host
// (elevated — the flag acquires a profile lock) and returns its current
// generation.
func GetCurrentGeneration(ctx context.Context, exec fleet.Executor, host fleet.Host, logger *log.Logger) (Generation, error) {
	cmd := fleet.NewCommand("nix-env").
		ComparableArg("--profile", profilePath).
		Arg("--list-generations").
		Sudo().
		Build()

	out, err := exec.RunStringOn(ctx, host, cmd)
	if err != nil {
		return Generation{}, xerrors.Errorf("listing generations on %s: %w", host, err)
	}

	gens, err := Parse(out, host, logger)
	if err != nil {
		return Generation{}, err
	}
	return gens.Current(host)
}

// List is a parsed and validated generation listing.
type List []Generation

// Current returns the unique generation with Current == true, or an error
// if there is not exactly one.
func (l List) Current(host fleet.Host) (Generation, error) {
	var current []Generation
	for _, g := range l {
		if g.Current {
			current = append(current, g)
		}
	}
	switch len(current) {
	case 0:
		return Generation{}, &NoCurrentGeneration{Host: host}
	case 1:
		return current[0], nil
	default:
		return Generation{}, &MalformedListing{Host: host}
	}
}

// Parse parses the raw output of `nix-env --list-generations` into a List.
// Per-line anomalies (non-numeric id, unrecognized trailing token) are
// logged and the line is skipped, not fatal to the overall parse; the
// current-generation uniqueness check happens only once the whole listing
// has been parsed, via List.Current.
func Parse(out string, host fleet.Host, logger *log.Logger) (List, error) {
	var gens List
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		g, ok := parseLine(line, logger)
		if !ok {
			continue
		}
		gens = append(gens, g)
	}
	return gens, nil
}

func parseLine(line string, logger *log.Logger) (Generation, bool) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		logger.Printf("warning: bad generation line %q: too few fields", line)
		return Generation{}, false
	}

	id64, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		logger.Printf("warning: bad generation line %q: id %q is not a non-negative 32-bit integer", line, fields[0])
		return Generation{}, false
	}

	date, time := fields[1], fields[2]
	current := false
	if len(fields) >= 4 {
		if currentMarkers[fields[3]] {
			current = true
		} else {
			logger.Printf("warning: bad generation line %q: unrecognized trailing token %q", line, fields[3])
			return Generation{}, false
		}
	}
	if len(fields) > 4 {
		logger.Printf("warning: unexpected trailing text after generation: %q", line)
	}

	return Generation{
		ID:       uint32(id64),
		Current:  current,
		DateTime: date + " " + time,
	}, true
}
