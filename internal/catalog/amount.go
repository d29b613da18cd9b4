package catalog

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// UnmarshalYAML reads human quantities such as {ram: 4GiB, cpu: 500m, disk: 60GiB}.
func (a *Amount) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		RAM  string `yaml:"ram"`
		CPU  string `yaml:"cpu"`
		Disk string `yaml:"disk"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	var out Amount
	var err error
	if out.RAM, err = parseBytes(raw.RAM); err != nil {
		return fmt.Errorf("line %d: ram: %w", node.Line, err)
	}
	if out.Disk, err = parseBytes(raw.Disk); err != nil {
		return fmt.Errorf("line %d: disk: %w", node.Line, err)
	}
	if out.CPU, err = ParseCPU(raw.CPU); err != nil {
		return fmt.Errorf("line %d: cpu: %w", node.Line, err)
	}
	*a = out
	return nil
}

func parseBytes(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return humanize.ParseBytes(s)
}

// ParseCPU parses "2", "1.5" or "500m" into millicores.
func ParseCPU(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if strings.HasSuffix(s, "m") {
		v, err := strconv.ParseInt(strings.TrimSuffix(s, "m"), 10, 64)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("invalid cpu quantity %q", s)
		}
		return v, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("invalid cpu quantity %q", s)
	}
	return int64(math.Round(f * 1000)), nil
}

// Add returns the dimension-wise sum.
func (a Amount) Add(b Amount) Amount {
	return Amount{RAM: a.RAM + b.RAM, CPU: a.CPU + b.CPU, Disk: a.Disk + b.Disk}
}

// IsZero reports whether all dimensions are zero.
func (a Amount) IsZero() bool {
	return a.RAM == 0 && a.CPU == 0 && a.Disk == 0
}

// String renders the amount for logs and CLI output.
func (a Amount) String() string {
	return fmt.Sprintf("ram=%s cpu=%s disk=%s", humanize.IBytes(a.RAM), FormatCPU(a.CPU), humanize.Bytes(a.Disk))
}

// FormatCPU renders millicores as cores.
func FormatCPU(millis int64) string {
	if millis%1000 == 0 {
		return strconv.FormatInt(millis/1000, 10)
	}
	return strconv.FormatFloat(float64(millis)/1000, 'f', -1, 64)
}

// Add returns the range-wise sum.
func (r Requirements) Add(o Requirements) Requirements {
	return Requirements{
		Min:         r.Min.Add(o.Min),
		Recommended: r.Recommended.Add(o.Recommended),
		Optimal:     r.Optimal.Add(o.Optimal),
	}
}
