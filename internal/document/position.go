package document

import (
	"strings"
	"unicode/utf16"

	"github.com/keel-lsp/keel/internal/lsp/protocol"
)

// Index maps between LSP positions (zero-based line, UTF-16 code-unit
// character) and byte offsets into a document's UTF-8 text. An Index is
// immutable; the store builds a fresh one after every applied edit.
type Index struct {
	text  string
	lines []lineSpan // byte offsets of each line's content, newline excluded
}

type lineSpan struct {
	start, end int
}

// NewIndex builds a line index for text.
func NewIndex(text string) *Index {
	ix := &Index{text: text}
	start := 0
	for {
		nl := strings.IndexByte(text[start:], '\n')
		if nl < 0 {
			ix.lines = append(ix.lines, lineSpan{start: start, end: len(text)})
			return ix
		}
		ix.lines = append(ix.lines, lineSpan{start: start, end: start + nl})
		start += nl + 1
	}
}

// LineCount returns the number of lines, counting a trailing line after a
// final newline.
func (ix *Index) LineCount() int { return len(ix.lines) }

// LineText returns the content of the given zero-based line, newline excluded.
func (ix *Index) LineText(line int) string {
	if line < 0 || line >= len(ix.lines) {
		return ""
	}
	s := ix.lines[line]
	return ix.text[s.start:s.end]
}

// ByteOffset converts an LSP position to a byte offset. Positions past the
// end of a line or of the document clamp to the nearest valid offset.
func (ix *Index) ByteOffset(pos protocol.Position) int {
	line := int(pos.Line)
	if line < 0 {
		return 0
	}
	if line >= len(ix.lines) {
		return len(ix.text)
	}
	s := ix.lines[line]
	return s.start + utf16ToByteOffset(ix.text[s.start:s.end], pos.Character)
}

// Position converts a byte offset to an LSP position. Offsets are clamped to
// the document bounds.
func (ix *Index) Position(offset int) protocol.Position {
	if offset <= 0 {
		return protocol.Position{}
	}
	if offset > len(ix.text) {
		offset = len(ix.text)
	}
	line := 0
	for line < len(ix.lines)-1 && offset > ix.lines[line].end {
		line++
	}
	s := ix.lines[line]
	if offset < s.start {
		offset = s.start
	}
	if offset > s.end {
		offset = s.end
	}
	return protocol.Position{
		Line:      uint32(line),
		Character: byteToUTF16Offset(ix.text[s.start:s.end], offset-s.start),
	}
}

// Range converts a byte range to an LSP range.
func (ix *Index) Range(start, end int) protocol.Range {
	return protocol.Range{Start: ix.Position(start), End: ix.Position(end)}
}

// --- UTF-16 conversion helpers ---

// UTF16Len returns the length of s in UTF-16 code units.
func UTF16Len(s string) uint32 {
	var n uint32
	for _, r := range s {
		n += uint32(utf16.RuneLen(r))
	}
	return n
}

// byteToUTF16Offset converts a byte offset within a line to a UTF-16 offset.
func byteToUTF16Offset(s string, byteOff int) uint32 {
	if byteOff <= 0 {
		return 0
	}
	if byteOff >= len(s) {
		return UTF16Len(s)
	}
	var off uint32
	for i, r := range s {
		if i >= byteOff {
			break
		}
		off += uint32(utf16.RuneLen(r))
	}
	return off
}

// utf16ToByteOffset converts a UTF-16 offset within a line to a byte offset.
// Offsets beyond the end of the line clamp to its length.
func utf16ToByteOffset(s string, utf16Off uint32) int {
	if utf16Off == 0 {
		return 0
	}
	var count uint32
	for i, r := range s {
		if count >= utf16Off {
			return i
		}
		count += uint32(utf16.RuneLen(r))
	}
	return len(s)
}
