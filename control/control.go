// Package control implements the volume cache command: edit and query the
// memory limit and voxel precision, and print a usage summary.
//
//	volcache cache -e --limit 4           set the limit to 4 GB
//	volcache cache -e --voxel-type float  store float samples
//	volcache cache -q --limit             print the limit in whole GB
//	volcache cache --limit                print allocated/total bytes
package control

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/LumaPictures/openvdb-render-sub000/core/sampling"
)

// ErrInvalidArgument is returned for malformed command arguments.
var ErrInvalidArgument = errors.New("control: invalid argument")

// Usage is the command synopsis.
const Usage = `Usage: cache [-h|--help] [-q|--query|-e|--edit] [--voxel-type ["half"|"float"]] [-l|--limit [<limit_in_gigabytes>]]`

// Cache is the administrative surface of a volume cache.
// *cache.Cache implements it.
type Cache interface {
	SetMemoryLimitBytes(n int64)
	MemoryLimitBytes() int64
	AllocatedBytes() int64
	SetVoxelPrecision(p sampling.Precision)
	VoxelPrecision() sampling.Precision
}

// Mode is the mode a command ran in.
type Mode uint8

// Command modes.
const (
	ModeHelp Mode = iota
	ModeInfo
	ModeEdit
	ModeQuery
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	switch m {
	case ModeHelp:
		return "help"
	case ModeInfo:
		return "info"
	case ModeEdit:
		return "edit"
	case ModeQuery:
		return "query"
	default:
		return "unknown"
	}
}

// Result is the outcome of a command. Text is the query result or the
// message to display; it is empty after an edit.
type Result struct {
	Mode Mode
	Text string
}

const gigabyte = 1 << 30

// flagSelected is the value a flag takes when given without an argument
// in query and info modes.
const flagSelected = "\x00"

type flags struct {
	set       *flag.FlagSet
	help      *bool
	edit      *bool
	query     *bool
	limit     *string
	voxelType *string
}

// newFlags builds the flag set. Outside edit mode --limit and --voxel-type
// select what to report and take no argument.
func newFlags(edit bool) *flags {
	fs := flag.NewFlagSet("cache", flag.ContinueOnError)
	fs.SetOutput(&strings.Builder{})
	f := &flags{
		set:       fs,
		help:      fs.BoolP("help", "h", false, "show usage"),
		edit:      fs.BoolP("edit", "e", false, "change settings"),
		query:     fs.BoolP("query", "q", false, "return a setting"),
		limit:     fs.StringP("limit", "l", "", "memory limit in gigabytes"),
		voxelType: fs.String("voxel-type", "", `voxel precision, "half" or "float"`),
	}
	if !edit {
		fs.Lookup("limit").NoOptDefVal = flagSelected
		fs.Lookup("voxel-type").NoOptDefVal = flagSelected
	}
	return f
}

func (f *flags) changed(name string) bool {
	return f.set.Changed(name)
}

// Exec runs the cache command with args against c.
func Exec(c Cache, args []string) (Result, error) {
	edit := slices.ContainsFunc(args, func(a string) bool { return a == "-e" || a == "--edit" })
	f := newFlags(edit)
	if err := f.set.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return Result{Mode: ModeHelp, Text: Usage}, nil
		}
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err) //nolint:errorlint // single wrap target
	}
	if f.set.NArg() > 0 {
		return Result{}, fmt.Errorf("%w: unexpected arguments %q", ErrInvalidArgument, f.set.Args())
	}

	switch {
	case *f.help:
		return Result{Mode: ModeHelp, Text: Usage}, nil
	case *f.edit && *f.query:
		return Result{}, fmt.Errorf("%w: edit and query are exclusive", ErrInvalidArgument)
	case *f.edit:
		return execEdit(c, f)
	case *f.query:
		return execQuery(c, f)
	default:
		return execInfo(c, f), nil
	}
}

func execEdit(c Cache, f *flags) (Result, error) {
	var (
		limit     int64
		precision sampling.Precision
	)
	if f.changed("limit") {
		gb, err := strconv.ParseInt(*f.limit, 10, 64)
		if err != nil || gb < 0 || gb > (1<<62)/gigabyte {
			return Result{}, fmt.Errorf("%w: limit must be a non-negative number of gigabytes, got %q", ErrInvalidArgument, *f.limit)
		}
		limit = gb * gigabyte
	}
	if f.changed("voxel-type") {
		p, err := sampling.ParsePrecision(*f.voxelType)
		if err != nil {
			return Result{}, fmt.Errorf(`%w: voxel type must be "half" or "float", got %q`, ErrInvalidArgument, *f.voxelType)
		}
		precision = p
	}

	// Arguments are validated before anything changes.
	if f.changed("limit") {
		c.SetMemoryLimitBytes(limit)
	}
	if f.changed("voxel-type") {
		c.SetVoxelPrecision(precision)
	}
	return Result{Mode: ModeEdit}, nil
}

func execQuery(c Cache, f *flags) (Result, error) {
	switch {
	case f.changed("limit"):
		return Result{Mode: ModeQuery, Text: strconv.FormatInt(c.MemoryLimitBytes()/gigabyte, 10)}, nil
	case f.changed("voxel-type"):
		return Result{Mode: ModeQuery, Text: c.VoxelPrecision().String()}, nil
	default:
		return Result{}, fmt.Errorf("%w: query needs --limit or --voxel-type", ErrInvalidArgument)
	}
}

func execInfo(c Cache, f *flags) Result {
	switch {
	case f.changed("voxel-type"):
		return Result{Mode: ModeInfo, Text: fmt.Sprintf("Volume cache voxel type is '%s'.", c.VoxelPrecision())}
	case f.changed("limit"):
		limit := c.MemoryLimitBytes()
		if limit == 0 {
			return Result{Mode: ModeInfo, Text: "Volume caching is off."}
		}
		return Result{Mode: ModeInfo, Text: fmt.Sprintf("Volume cache allocated/total: %s/%s.",
			FormatBytes(c.AllocatedBytes()), FormatBytes(limit))}
	default:
		return Result{Mode: ModeHelp, Text: Usage}
	}
}

// FormatBytes formats n in the largest of G, M or K that does not exceed
// it, with two decimals.
func FormatBytes(n int64) string {
	units := []struct {
		size   int64
		prefix string
	}{
		{1 << 30, "G"},
		{1 << 20, "M"},
		{1 << 10, "K"},
	}
	for _, u := range units {
		if n >= u.size {
			return fmt.Sprintf("%.2f%sB", float64(n)/float64(u.size), u.prefix)
		}
	}
	return fmt.Sprintf("%.2fB", float64(n))
}
