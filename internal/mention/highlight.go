package mention

// Segment is a run of text that is either plain or a mention.
type Segment struct {
	Text    string
	Mention bool
	UserID  int64
}

// Highlight splits text into plain and mention segments. With no users it
// falls back to syntactic tokens so unresolved mentions still stand out.
func Highlight(text string, users []User) []Segment {
	type span struct {
		start, end int
		userID     int64
	}
	var spans []span
	if len(users) > 0 {
		for _, m := range Resolve(text, users) {
			spans = append(spans, span{m.Start, m.End, m.UserID})
		}
	} else {
		for _, t := range Parse(text) {
			spans = append(spans, span{t.Start, t.End, 0})
		}
	}

	segments := make([]Segment, 0, 2*len(spans)+1)
	pos := 0
	for _, s := range spans {
		if s.start > pos {
			segments = append(segments, Segment{Text: text[pos:s.start]})
		}
		segments = append(segments, Segment{Text: text[s.start:s.end], Mention: true, UserID: s.userID})
		pos = s.end
	}
	if pos < len(text) {
		segments = append(segments, Segment{Text: text[pos:]})
	}
	return segments
}
