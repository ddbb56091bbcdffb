package guestcore

// splitTopLevel splits s on sep, ignoring any sep that falls inside a
// quoted string, a {...} dict literal, a [...] list literal, or a (...)
// call's argument list. Used for both statement separation (';') and
// argument/element separation (',').
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth := 0
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++ // skip escaped char
			} else if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '(' || c == '{' || c == '[':
			depth++
		case c == ')' || c == '}' || c == ']':
			depth--
		case c == sep && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// matchCall reports whether s looks like `name(args)` and, if so, returns
// the callee name and the raw argument-list text.
func matchCall(s string) (name, argsText string, ok bool) {
	if len(s) == 0 || s[len(s)-1] != ')' {
		return "", "", false
	}
	idx := -1
	for i := 0; i < len(s); i++ {
		if s[i] == '(' {
			idx = i
			break
		}
		if !isIdentByte(s[i], i == 0) {
			return "", "", false
		}
	}
	if idx <= 0 {
		return "", "", false
	}
	return s[:idx], s[idx+1 : len(s)-1], true
}

func isIdentByte(c byte, first bool) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		return true
	case c >= '0' && c <= '9':
		return !first
	default:
		return false
	}
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isIdentByte(s[i], i == 0) {
			return false
		}
	}
	return true
}
