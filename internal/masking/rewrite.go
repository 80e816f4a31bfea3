package masking

import "log/slog"

// Rewrite applies r's masking behavior to value in place where possible,
// returning the (possibly) rewritten bytes. A rule that cannot rewrite a
// value (a Replace value whose length differs from the column's bytes,
// with no fill to tile) leaves the payload unchanged and logs a warning,
// rather than failing the query.
func (r *Rule) Rewrite(value []byte) []byte {
	switch r.kind {
	case KindReplace:
		return r.rewriteReplace(value)
	case KindObfuscate:
		return rewriteObfuscate(value)
	case KindCapture:
		return r.rewriteCapture(value)
	default:
		return value
	}
}

// rewriteReplace copies r.value into value. If the lengths match exactly
// it's a direct copy; otherwise it tiles r.fill across value's full
// length. If r.fill is empty (nothing to tile with) it's a no-op.
func (r *Rule) rewriteReplace(value []byte) []byte {
	if len(value) == 0 {
		return value
	}
	if len(r.value) == len(value) {
		copy(value, r.value)
		return value
	}
	if len(r.fill) == 0 {
		slog.Warn("masking: replace rule has empty fill, leaving column unchanged", "column", r.Column)
		return value
	}
	fillTile(value, []byte(r.fill))
	return value
}

// rewriteObfuscate applies ROT13 to ASCII letters and a saturating +32 to
// every other byte — reversible-looking-but-irreversible byte scrambling
// without changing length.
func rewriteObfuscate(value []byte) []byte {
	for i, b := range value {
		switch {
		case b >= 'a' && b <= 'z':
			value[i] = 'a' + (b-'a'+13)%26
		case b >= 'A' && b <= 'Z':
			value[i] = 'A' + (b-'A'+13)%26
		default:
			if int(b)+32 > 127 {
				value[i] = 127
			} else {
				value[i] = b + 32
			}
		}
	}
	return value
}

// rewriteCapture repeatedly matches r.regexp against value, fill-tiling
// each match with r.fill and advancing past it. The loop stops when the
// regexp no longer matches, when a match is zero-length, or when the end
// of value is reached. Go's regexp has no partial-match or error result,
// so a non-match is not logged.
func (r *Rule) rewriteCapture(value []byte) []byte {
	pos := 0
	for pos < len(value) {
		loc := r.regexp.FindIndex(value[pos:])
		if loc == nil {
			break // genuine non-match: stop
		}
		start, end := pos+loc[0], pos+loc[1]
		if start == end {
			// Zero-length match: advancing by the match width would spin
			// forever, so stop instead of looping.
			break
		}
		fillTile(value[start:end], []byte(r.fill))
		pos = end
	}
	return value
}

// fillTile repeatedly copies pattern into dst until dst is full.
func fillTile(dst, pattern []byte) {
	if len(pattern) == 0 {
		return
	}
	for i := range dst {
		dst[i] = pattern[i%len(pattern)]
	}
}
