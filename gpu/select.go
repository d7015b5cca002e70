package gpu

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// AdapterDesc is the part of an adapter's info that selection looks at.
type AdapterDesc struct {
	Name     string
	Vendor   string
	Discrete bool
}

// SelectAdapter asks the user to pick one of names by index. A single
// adapter is selected without asking. Invalid or out-of-range answers are
// reported and asked again until in runs dry.
func SelectAdapter(names []string, in io.Reader, out io.Writer) (int, error) {
	switch len(names) {
	case 0:
		return -1, ErrNoAdapter
	case 1:
		fmt.Fprintf(out, "One adapter found, selecting %q\n", names[0])
		return 0, nil
	}

	fmt.Fprintf(out, "Found %d adapters, please select:\n", len(names))
	for i, n := range names {
		fmt.Fprintf(out, "\t%d: %s\n", i, n)
	}

	sc := bufio.NewScanner(in)
	for {
		fmt.Fprintf(out, "Adapter index [0-%d]: ", len(names)-1)
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return -1, fmt.Errorf("read adapter selection: %w", err)
			}
			return -1, fmt.Errorf("%w: input ended before a valid selection", ErrAdapterIndex)
		}
		answer := strings.TrimSpace(sc.Text())
		idx, err := strconv.Atoi(answer)
		if err != nil || idx < 0 || idx >= len(names) {
			fmt.Fprintf(out, "%q is not a valid adapter index\n", answer)
			continue
		}
		return idx, nil
	}
}

// preferredAdapter picks an adapter without asking: an NVIDIA part first,
// then any discrete GPU, then the first one listed.
func preferredAdapter(descs []AdapterDesc) int {
	for i, d := range descs {
		if strings.Contains(strings.ToLower(d.Name), "nvidia") ||
			strings.Contains(strings.ToLower(d.Vendor), "nvidia") {
			return i
		}
	}
	for i, d := range descs {
		if d.Discrete {
			return i
		}
	}
	return 0
}

// chooseAdapter resolves an explicit index, an interactive prompt, or the
// preferred adapter, in that order.
func chooseAdapter(descs []AdapterDesc, explicit int, in io.Reader, out io.Writer) (int, error) {
	if len(descs) == 0 {
		return -1, ErrNoAdapter
	}
	if explicit >= 0 {
		if explicit >= len(descs) {
			return -1, fmt.Errorf("%w: %d of %d", ErrAdapterIndex, explicit, len(descs))
		}
		return explicit, nil
	}
	if in == nil || len(descs) == 1 {
		return preferredAdapter(descs), nil
	}
	names := make([]string, len(descs))
	for i, d := range descs {
		names[i] = d.Name
	}
	if out == nil {
		out = io.Discard
	}
	return SelectAdapter(names, in, out)
}
