package policy

import "strings"

// globMatch reports whether a dot-segmented tool name matches a glob
// pattern. Adapted from the teacher's internal/routing/glob.go, which
// matches "/"-segmented paths; tool names are "."-segmented
// (e.g. "devit.tool_call", "server.policy"), so this splits on "." instead.
// "*" matches exactly one segment; "**" matches zero or more segments.
func globMatch(pattern, name string) bool {
	return segMatch(strings.Split(pattern, "."), strings.Split(name, "."))
}

func segMatch(pat, seg []string) bool {
	for len(pat) > 0 {
		p := pat[0]
		pat = pat[1:]

		if p == "**" {
			if len(pat) == 0 {
				return true
			}
			for i := 0; i <= len(seg); i++ {
				if segMatch(pat, seg[i:]) {
					return true
				}
			}
			return false
		}

		if len(seg) == 0 {
			return false
		}
		if p != "*" && p != seg[0] {
			return false
		}
		seg = seg[1:]
	}
	return len(seg) == 0
}

// specificity scores a glob pattern so the most specific matching override
// wins when more than one pattern matches a tool name.
func specificity(pattern string) int {
	score := 0
	for _, p := range strings.Split(pattern, ".") {
		switch p {
		case "**":
		case "*":
			score++
		default:
			score += 10
		}
	}
	return score
}
