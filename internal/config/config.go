// Package config loads the manager's CLI flags and sync-pair config file
// described in spec §6, ported from parse_arguments and load_config_file
// in original_source/src/nfs_manager_logic.c.
//
// Flag parsing itself lives in cmd/fsmanager (cobra/pflag own the flag
// set); this package owns the config-file format and the default values
// for the additive ambient flags spec.md never required.
package config

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/rclone-labs/filesync/internal/dirspec"
)

// DefaultBufferSize matches the original's MAX_BUFFER_SIZE, used when the
// manager is not given an explicit transfer buffer size.
const DefaultBufferSize = 8192

// Manager holds every value the manager needs at startup, populated by
// cmd/fsmanager from its pflag.FlagSet.
type Manager struct {
	LogFile       string
	ConfigFile    string
	WorkerCount   int
	Port          int
	QueueCapacity int
	BufferSize    int
	MetricsAddr   string
	Verbose       bool
}

// Pair is one line of the config file, already parsed into directory
// specifiers.
type Pair struct {
	Source dirspec.Spec
	Target dirspec.Spec
}

// LoadPairs reads the sync-pair config file at path. Lines starting with
// "#" and empty lines are ignored; every other line must contain exactly
// two whitespace-separated directory specifiers. A malformed line is
// skipped and reported as one error; parsing carries on, and every
// well-formed pair is returned alongside the errors so the caller can log
// them and continue per spec §6 ("failures are logged and loading
// continues").
func LoadPairs(path string) ([]Pair, []error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, []error{errors.Wrap(err, "open config file")}
	}
	defer f.Close()
	return parsePairs(f)
}

func parsePairs(r io.Reader) ([]Pair, []error) {
	var pairs []Pair
	var errs []error

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			errs = append(errs, errors.Errorf("config line %d: expected two directory specifiers, got %d", lineNo, len(fields)))
			continue
		}
		source, target, err := dirspec.ParsePair(fields[0], fields[1])
		if err != nil {
			errs = append(errs, errors.Wrapf(err, "config line %d", lineNo))
			continue
		}
		pairs = append(pairs, Pair{Source: source, Target: target})
	}
	if err := scanner.Err(); err != nil {
		errs = append(errs, errors.Wrap(err, "reading config file"))
	}
	return pairs, errs
}
