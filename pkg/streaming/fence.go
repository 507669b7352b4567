package streaming

import "strings"

// splitPreservingFences walks text keeping ``` fenced regions intact where
// possible, re-wrapping a fence that does not fit in one chunk into several
// fences of the same language and splitting only on newline boundaries
// inside it (spec §4.7 priority 1). Grounded on the teacher's
// pkg/channels.SplitMessage, restructured around discrete (kind, content)
// segments the way original_source's _split_preserving_code_blocks does,
// rather than the teacher's single-pass rune scan.
func splitPreservingFences(text string, maxLen int) []string {
	segments := splitFenceSegments(text)
	naiveFences := strings.Count(text, "```")
	if naiveFences%2 != 0 || !fenceBalanced(text, naiveFences) {
		// Ambiguous/unterminated fence structure: refuse the fence-aware
		// path so the caller falls through to paragraph/sentence/word.
		return nil
	}

	var chunks []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}

	for _, seg := range segments {
		if !seg.isCode {
			appendText(&current, &chunks, seg.content, maxLen)
			continue
		}
		if current.Len()+len([]rune(seg.content)) <= maxLen {
			current.WriteString(seg.content)
			continue
		}
		flush()
		if len([]rune(seg.content)) <= maxLen {
			current.WriteString(seg.content)
			continue
		}
		// Code block itself exceeds the budget: re-wrap into several
		// fences of the same language, split only at newlines.
		for _, sub := range splitLongFence(seg.content, maxLen) {
			chunks = append(chunks, sub)
		}
	}
	flush()

	if len(chunks) == 0 {
		return nil
	}
	return chunks
}

func appendText(current *strings.Builder, chunks *[]string, text string, maxLen int) {
	for len(text) > 0 {
		room := maxLen - len([]rune(current.String()))
		if room <= 0 {
			*chunks = append(*chunks, strings.TrimSpace(current.String()))
			current.Reset()
			room = maxLen
		}
		runes := []rune(text)
		if len(runes) <= room {
			current.WriteString(text)
			return
		}
		cut := lastBreakWithin(runes, room)
		current.WriteString(string(runes[:cut]))
		*chunks = append(*chunks, strings.TrimSpace(current.String()))
		current.Reset()
		text = strings.TrimLeft(string(runes[cut:]), " \t\n\r")
	}
}

// lastBreakWithin finds the last newline, else last space, within
// runes[:limit]; falls back to a hard cut at limit.
func lastBreakWithin(runes []rune, limit int) int {
	if limit >= len(runes) {
		return len(runes)
	}
	for i := limit - 1; i >= 0; i-- {
		if runes[i] == '\n' {
			return i
		}
	}
	for i := limit - 1; i >= 0; i-- {
		if runes[i] == ' ' || runes[i] == '\t' {
			return i
		}
	}
	return limit
}

type fenceSegment struct {
	isCode  bool
	content string
}

// splitFenceSegments partitions text into alternating (text, code) segments
// on ``` boundaries (spec §4.7, grounded on chunking.py's regex-based
// segment split, re-expressed without a regex since Go's stdlib regexp
// lacks Python's non-greedy DOTALL shorthand needed for nested fences).
func splitFenceSegments(text string) []fenceSegment {
	var segments []fenceSegment
	rest := text
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			if rest != "" {
				segments = append(segments, fenceSegment{content: rest})
			}
			break
		}
		if start > 0 {
			segments = append(segments, fenceSegment{content: rest[:start]})
		}
		end := strings.Index(rest[start+3:], "```")
		if end < 0 {
			// Unterminated fence: treat the remainder as one code segment.
			segments = append(segments, fenceSegment{isCode: true, content: rest[start:]})
			break
		}
		end += start + 3 + 3
		segments = append(segments, fenceSegment{isCode: true, content: rest[start:end]})
		rest = rest[end:]
	}
	return segments
}

// splitLongFence re-wraps a ``` lang\n...\n``` block too long for one chunk
// into several fences of the same language, breaking only at newlines
// (spec §4.7 priority 1 "re-wrapped into multiple fences of the same
// language").
func splitLongFence(block string, maxLen int) []string {
	body := strings.TrimPrefix(block, "```")
	body = strings.TrimSuffix(body, "```")
	lang := ""
	if idx := strings.IndexByte(body, '\n'); idx >= 0 {
		lang = body[:idx]
		body = body[idx+1:]
	}
	wrapperLen := len("```"+lang+"\n") + len("```")
	budget := maxLen - wrapperLen
	if budget < 1 {
		budget = 1
	}

	lines := strings.Split(body, "\n")
	var chunks []string
	var cur []string
	curLen := 0
	flush := func() {
		if len(cur) == 0 {
			return
		}
		chunks = append(chunks, "```"+lang+"\n"+strings.Join(cur, "\n")+"\n```")
		cur = nil
		curLen = 0
	}
	for _, line := range lines {
		if curLen+len(line)+1 > budget && len(cur) > 0 {
			flush()
		}
		cur = append(cur, line)
		curLen += len(line) + 1
	}
	flush()
	return chunks
}

// splitAtParagraphs implements spec §4.7 priority 2.
func splitAtParagraphs(text string, maxLen int) []string {
	paras := strings.Split(text, "\n\n")
	if len(paras) < 2 {
		return nil
	}
	return fillChunks(paras, "\n\n", maxLen, splitAtSentences)
}

// splitAtSentences implements spec §4.7 priority 3.
func splitAtSentences(text string, maxLen int) []string {
	var sentences []string
	last := 0
	for _, m := range sentenceBoundary.FindAllStringIndex(text, -1) {
		sentences = append(sentences, text[last:m[0]+1])
		last = m[1]
	}
	sentences = append(sentences, text[last:])
	if len(sentences) < 2 {
		return nil
	}
	return fillChunks(sentences, " ", maxLen, nil)
}

// fillChunks greedily packs units (paragraphs or sentences) separated by
// joiner into chunks no longer than maxLen; a unit that alone exceeds
// maxLen is recursively split by fallback (or hard-split if fallback is
// nil or also fails).
func fillChunks(units []string, joiner string, maxLen int, fallback func(string, int) []string) []string {
	var chunks []string
	var cur strings.Builder
	for _, unit := range units {
		extra := len([]rune(unit))
		if cur.Len() > 0 {
			extra += len([]rune(joiner))
		}
		if len([]rune(cur.String()))+extra <= maxLen {
			if cur.Len() > 0 {
				cur.WriteString(joiner)
			}
			cur.WriteString(unit)
			continue
		}
		if cur.Len() > 0 {
			chunks = append(chunks, strings.TrimSpace(cur.String()))
			cur.Reset()
		}
		if len([]rune(unit)) <= maxLen {
			cur.WriteString(unit)
			continue
		}
		var sub []string
		if fallback != nil {
			sub = fallback(unit, maxLen)
		}
		if sub == nil {
			sub = splitAtWords(unit, maxLen)
		}
		if len(sub) > 0 {
			chunks = append(chunks, sub[:len(sub)-1]...)
			cur.WriteString(sub[len(sub)-1])
		}
	}
	if cur.Len() > 0 {
		chunks = append(chunks, strings.TrimSpace(cur.String()))
	}
	if len(chunks) == 0 {
		return nil
	}
	return chunks
}

// splitAtWords is the final fallback (spec §4.7 priorities 4-5): break at
// the last newline within the budget, else the last space or tab, else
// hard-cut at the budget.
func splitAtWords(text string, maxLen int) []string {
	var chunks []string
	runes := []rune(text)
	for len(runes) > 0 {
		if len(runes) <= maxLen {
			chunks = append(chunks, strings.TrimSpace(string(runes)))
			break
		}
		cut := lastBreakWithin(runes, maxLen)
		if cut <= 0 {
			cut = maxLen
		}
		chunks = append(chunks, strings.TrimSpace(string(runes[:cut])))
		runes = []rune(strings.TrimLeft(string(runes[cut:]), " \t\n\r"))
	}
	return chunks
}
