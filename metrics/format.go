package metrics

import "strings"

// FormatOptions controls Format.
type FormatOptions struct {
	// Prefix is prepended to every sample name.
	Prefix string
	// Labels are inserted as the leading labels of every sample.
	Labels Labels
	// Debug suppresses the HELP and TYPE headers.
	Debug bool
}

// Format renders m in the text exposition format. Each prefixed name gets
// one HELP/TYPE header pair, emitted before its first sample. Lines are
// joined with "\n" without a trailing newline.
func Format(m *Map, opts FormatOptions) string {
	seen := make(map[string]bool)
	var lines []string

	for _, e := range m.Entries() {
		name := opts.Prefix + e.Name
		if !seen[name] {
			seen[name] = true
			if !opts.Debug {
				lines = append(lines,
					"# HELP "+name+" "+strings.ReplaceAll(name, "_", " "),
					"# TYPE "+name+" gauge")
			}
		}

		labels := e.Labels.Prepend(opts.Labels...)
		sample := Entry{Name: name, Labels: labels, Value: e.Value}
		lines = append(lines, sample.Key()+" "+FormatValue(e.Value))
	}

	return strings.Join(lines, "\n")
}
