package protocol

import (
	"strconv"
	"strings"

	"github.com/rudransh-shrivastava/tincan/internal/transport"
)

// CandidateDelim separates the fields of one candidate on the wire. The
// address contributes two fields (host and port), so a well formed candidate
// has at least minCandidateFields fields.
const (
	CandidateDelim     = ":"
	minCandidateFields = 10
)

// EncodeCandidates serializes candidates as
// component:protocol:host:port:priority:username:password:type:generation:foundation
// with every candidate followed by a single space. The format is shared with
// peers running other versions and must not change.
func EncodeCandidates(candidates []transport.Candidate) string {
	var sb strings.Builder
	for _, c := range candidates {
		sb.WriteString(strconv.Itoa(c.Component))
		sb.WriteString(CandidateDelim)
		sb.WriteString(c.Protocol)
		sb.WriteString(CandidateDelim)
		sb.WriteString(c.Address)
		sb.WriteString(CandidateDelim)
		sb.WriteString(strconv.FormatUint(uint64(c.Priority), 10))
		sb.WriteString(CandidateDelim)
		sb.WriteString(c.Username)
		sb.WriteString(CandidateDelim)
		sb.WriteString(c.Password)
		sb.WriteString(CandidateDelim)
		sb.WriteString(c.Type)
		sb.WriteString(CandidateDelim)
		sb.WriteString(strconv.FormatUint(uint64(c.Generation), 10))
		sb.WriteString(CandidateDelim)
		sb.WriteString(c.Foundation)
		sb.WriteString(" ")
	}
	return sb.String()
}

// DecodeCandidates parses a candidate blob. Malformed entries are skipped and
// counted; fields past the tenth are ignored.
func DecodeCandidates(blob string) (candidates []transport.Candidate, skipped int) {
	for _, token := range strings.Fields(blob) {
		c, ok := decodeCandidate(token)
		if !ok {
			skipped++
			continue
		}
		candidates = append(candidates, c)
	}
	return candidates, skipped
}

// decodeCandidate also rejects tokens whose numeric fields do not parse.
func decodeCandidate(token string) (transport.Candidate, bool) {
	fields := strings.Split(token, CandidateDelim)
	if len(fields) < minCandidateFields {
		return transport.Candidate{}, false
	}

	component, err := strconv.Atoi(fields[0])
	if err != nil {
		return transport.Candidate{}, false
	}
	if _, err := strconv.ParseUint(fields[3], 10, 16); err != nil {
		return transport.Candidate{}, false
	}
	priority, err := strconv.ParseUint(fields[4], 10, 32)
	if err != nil {
		return transport.Candidate{}, false
	}
	generation, err := strconv.ParseUint(fields[8], 10, 32)
	if err != nil {
		return transport.Candidate{}, false
	}

	return transport.Candidate{
		Component:  component,
		Protocol:   fields[1],
		Address:    fields[2] + CandidateDelim + fields[3],
		Priority:   uint32(priority),
		Username:   fields[5],
		Password:   fields[6],
		Type:       fields[7],
		Generation: uint32(generation),
		Foundation: fields[9],
	}, true
}
