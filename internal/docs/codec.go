// internal/docs/codec.go
package docs

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"
)

const (
	// Ext is the extension of every document file.
	Ext = ".sltt-doc"
	// LocalMarker takes the place of the remote sequence number for
	// documents not yet confirmed by the remote. It is exactly as wide as a
	// formatted sequence number.
	LocalMarker = "local-doc"

	lostSuffix       = "-lost"
	sep              = "__"
	prefixWidth      = 9
	maxRemoteSeq     = 999999999
	maxFilenameBytes = 255
	// maxNameBytes leaves room for the lost suffix.
	maxNameBytes     = maxFilenameBytes - len(lostSuffix)
	hashWidth        = 8
	abbrevMark       = "~"
)

var (
	idEscaper   = strings.NewReplacer("%", "%25", "/", "%2F", ":", "%3A", "~", "%7E", `\`, "%5C")
	idUnescaper = strings.NewReplacer("%2F", "/", "%3A", ":", "%7E", "~", "%5C", `\`, "%25", "%")

	emailPattern     = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	hashPattern      = regexp.MustCompile(`^[0-9a-f]{8}$`)
	seqPattern       = regexp.MustCompile(`^[0-9]{9}$`)
	offsetDashSuffix = regexp.MustCompile(`([+-]\d\d)-(\d\d)$`)
)

// Filename is the structured form of a document filename:
//
//	{remoteSeq|local-doc}__{modDate}__{id}__{creatorHash}__{modByHash}.sltt-doc
type Filename struct {
	Local       bool   `json:"local"`
	RemoteSeq   int    `json:"remoteSeq"`
	ModDate     string `json:"modDate"`
	ID          string `json:"_id"`
	Abbreviated bool   `json:"abbreviated,omitempty"` // ID holds only a prefix of the real id
	CreatorHash string `json:"creator"`
	ModByHash   string `json:"modBy"`
	Lost        bool   `json:"lost,omitempty"`

	idPart string
}

// EmailHash returns the 8-character hash used for creator and modBy.
func EmailHash(email string) string {
	sum := sha3.Sum256([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(sum[:])[:hashWidth]
}

// ValidEmail reports whether s looks like an email address.
func ValidEmail(s string) bool { return emailPattern.MatchString(s) }

func encodeModDate(modDate string) string { return strings.ReplaceAll(modDate, ":", "-") }

func decodeModDate(s string) string {
	date, clock, ok := strings.Cut(s, "T")
	if !ok {
		return s
	}
	clock = strings.Replace(clock, "-", ":", 2)
	clock = offsetDashSuffix.ReplaceAllString(clock, "$1:$2")
	return date + "T" + clock
}

func escapeID(id string) string  { return idEscaper.Replace(id) }
func unescapeID(s string) string { return idUnescaper.Replace(s) }
func formatSeq(seq int) string   { return fmt.Sprintf("%09d", seq) }

func idHash(id string) string {
	sum := sha3.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])[:hashWidth]
}

// withoutPrefix strips the sequence number or local marker.
func withoutPrefix(name string) string {
	if len(name) < prefixWidth {
		return name
	}
	return name[prefixWidth:]
}

// composeFilename builds the canonical filename for a document. A nil
// remoteSeq produces a local filename. Names stay short enough that the lost
// suffix still fits the 255-byte limit. Longer ids are abbreviated;
// ErrFilenameTooLong is returned when even that does not fit.
func composeFilename(d Doc, remoteSeq *int) (string, error) {
	prefix := LocalMarker
	if remoteSeq != nil {
		prefix = formatSeq(*remoteSeq)
	}
	modBy := d.ModBy
	if modBy == "" {
		modBy = d.Creator
	}
	head := prefix + sep + encodeModDate(d.ModDate) + sep
	tail := sep + EmailHash(d.Creator) + sep + EmailHash(modBy) + Ext

	idPart := escapeID(d.ID)
	if len(head)+len(idPart)+len(tail) <= maxNameBytes {
		return head + idPart + tail, nil
	}

	mark := abbrevMark + idHash(d.ID)
	budget := maxNameBytes - len(head) - len(tail) - len(mark)
	if budget < 1 {
		return "", fmt.Errorf("%w: %d bytes", ErrFilenameTooLong, len(head)+len(idPart)+len(tail))
	}
	cut := idPart[:budget]
	// Never split an escape sequence.
	if i := strings.LastIndexByte(cut, '%'); i >= 0 && i > len(cut)-3 {
		cut = cut[:i]
	}
	if cut == "" {
		return "", fmt.Errorf("%w: %d bytes", ErrFilenameTooLong, len(head)+len(idPart)+len(tail))
	}
	return head + cut + mark + tail, nil
}

// ParseFilename decodes a document filename. Files moved aside with the lost
// suffix parse with Lost set.
func ParseFilename(name string) (Filename, error) {
	var f Filename
	if strings.ContainsAny(name, `/\`) {
		return f, fmt.Errorf("%w: filename %q contains a path separator", ErrInvalidDoc, name)
	}
	base := name
	if strings.HasSuffix(base, lostSuffix) {
		f.Lost = true
		base = strings.TrimSuffix(base, lostSuffix)
	}
	if !strings.HasSuffix(base, Ext) {
		return f, fmt.Errorf("%w: filename %q lacks %s", ErrInvalidDoc, name, Ext)
	}
	base = strings.TrimSuffix(base, Ext)

	prefix, rest, ok := strings.Cut(base, sep)
	if !ok {
		return f, fmt.Errorf("%w: malformed filename %q", ErrInvalidDoc, name)
	}
	modDate, rest, ok := strings.Cut(rest, sep)
	if !ok {
		return f, fmt.Errorf("%w: malformed filename %q", ErrInvalidDoc, name)
	}
	i := strings.LastIndex(rest, sep)
	if i < 0 {
		return f, fmt.Errorf("%w: malformed filename %q", ErrInvalidDoc, name)
	}
	modByHash := rest[i+len(sep):]
	rest = rest[:i]
	i = strings.LastIndex(rest, sep)
	if i < 0 {
		return f, fmt.Errorf("%w: malformed filename %q", ErrInvalidDoc, name)
	}
	creatorHash := rest[i+len(sep):]
	idPart := rest[:i]

	switch {
	case prefix == LocalMarker:
		f.Local = true
	case seqPattern.MatchString(prefix):
		seq, _ := strconv.Atoi(prefix)
		f.RemoteSeq = seq
	default:
		return f, fmt.Errorf("%w: bad prefix %q in %q", ErrInvalidDoc, prefix, name)
	}
	if !hashPattern.MatchString(creatorHash) || !hashPattern.MatchString(modByHash) {
		return f, fmt.Errorf("%w: bad hash in %q", ErrInvalidDoc, name)
	}
	if idPart == "" {
		return f, fmt.Errorf("%w: empty id in %q", ErrInvalidDoc, name)
	}

	f.ModDate = decodeModDate(modDate)
	f.CreatorHash = creatorHash
	f.ModByHash = modByHash
	f.idPart = idPart
	if j := strings.Index(idPart, abbrevMark); j >= 0 {
		f.Abbreviated = true
		f.ID = unescapeID(idPart[:j])
	} else {
		f.ID = unescapeID(idPart)
	}
	return f, nil
}

// validateDoc checks the fields that are encoded into the filename.
func validateDoc(d Doc, remoteSeq *int) error {
	if d.ID == "" {
		return fmt.Errorf("%w: _id is required", ErrInvalidDoc)
	}
	if strings.ContainsRune(d.ID, 0) {
		return fmt.Errorf("%w: _id contains a null byte", ErrInvalidDoc)
	}
	if _, err := time.Parse(time.RFC3339Nano, d.ModDate); err != nil {
		return fmt.Errorf("%w: modDate %q: %v", ErrInvalidDoc, d.ModDate, err)
	}
	if !ValidEmail(d.Creator) {
		return fmt.Errorf("%w: creator %q is not an email", ErrInvalidDoc, d.Creator)
	}
	if d.ModBy != "" && !ValidEmail(d.ModBy) {
		return fmt.Errorf("%w: modBy %q is not an email", ErrInvalidDoc, d.ModBy)
	}
	if remoteSeq != nil && (*remoteSeq < 0 || *remoteSeq > maxRemoteSeq) {
		return fmt.Errorf("%w: remoteSeq %d out of range", ErrInvalidDoc, *remoteSeq)
	}
	return nil
}
