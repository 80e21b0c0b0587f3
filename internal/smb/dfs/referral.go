package dfs

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/marmos91/smbclient/internal/smb/smbenc"
)

// MaxReferralLevel is the highest referral version requested.
const MaxReferralLevel = 3

// Referral header flags. [MS-DFSC] 2.2.4
const (
	HeaderReferralServers uint32 = 0x00000001
	HeaderStorageServers  uint32 = 0x00000002
	HeaderTargetFailback  uint32 = 0x00000004
)

// Referral entry flags. [MS-DFSC] 2.2.5.3
const (
	EntryTargetSetBoundary uint16 = 0x0004
	EntryNameListReferral  uint16 = 0x0002
)

// ErrMalformedReferral is returned for responses that cannot be decoded.
var ErrMalformedReferral = errors.New("dfs: malformed referral response")

// EncodeRequest builds REQ_GET_DFS_REFERRAL for path, which must be of the
// form \server\share[\path]. [MS-DFSC] 2.2.2
func EncodeRequest(maxLevel uint16, path string) ([]byte, error) {
	if strings.HasPrefix(path, `\\`) {
		return nil, fmt.Errorf("dfs: request path %q must start with a single backslash", path)
	}
	w := smbenc.NewWriter(2 + 2*len(path) + 2)
	w.WriteUint16(maxLevel)
	w.WriteUTF16Z(path)
	if err := w.Err(); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// DecodeRequest parses REQ_GET_DFS_REFERRAL.
func DecodeRequest(b []byte) (maxLevel uint16, path string, err error) {
	r := smbenc.NewReader(b)
	maxLevel = r.ReadUint16()
	path = r.ReadUTF16Z()
	if err := r.Err(); err != nil {
		return 0, "", fmt.Errorf("%w: %v", ErrMalformedReferral, err)
	}
	return maxLevel, path, nil
}

// Entry is one DFS_REFERRAL_V1..V4 entry.
type Entry struct {
	Version        uint16
	ServerType     uint16
	Flags          uint16
	Proximity      uint32
	TTL            uint32
	DFSPath        string
	DFSAltPath     string
	NetworkAddress string

	// Name list referrals (v3/v4 with EntryNameListReferral).
	SpecialName   string
	ExpandedNames []string
}

// Response is RESP_GET_DFS_REFERRAL. PathConsumed is in bytes as on the
// wire. [MS-DFSC] 2.2.4
type Response struct {
	PathConsumed uint16
	HeaderFlags  uint32
	Entries      []Entry
}

// DecodeResponse parses RESP_GET_DFS_REFERRAL with v1 to v4 entries.
func DecodeResponse(b []byte) (*Response, error) {
	r := smbenc.NewReader(b)
	resp := &Response{PathConsumed: r.ReadUint16()}
	n := int(r.ReadUint16())
	resp.HeaderFlags = r.ReadUint32()
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReferral, err)
	}

	pos := 8
	for i := 0; i < n; i++ {
		e, size, err := decodeEntry(b, pos)
		if err != nil {
			return nil, fmt.Errorf("referral %d: %w", i, err)
		}
		resp.Entries = append(resp.Entries, e)
		pos += size
	}
	return resp, nil
}

func decodeEntry(b []byte, start int) (Entry, int, error) {
	if start+8 > len(b) {
		return Entry{}, 0, ErrMalformedReferral
	}
	r := smbenc.NewReader(b[start:])
	e := Entry{Version: r.ReadUint16()}
	size := int(r.ReadUint16())
	e.ServerType = r.ReadUint16()
	e.Flags = r.ReadUint16()
	if size < 8 || start+size > len(b) {
		return Entry{}, 0, ErrMalformedReferral
	}

	// Offsets are relative to the start of the entry.
	str := func(off uint16) (string, error) {
		if off == 0 {
			return "", nil
		}
		if start+int(off) >= len(b) {
			return "", ErrMalformedReferral
		}
		sr := smbenc.NewReader(b[start+int(off):])
		s := sr.ReadUTF16Z()
		return s, sr.Err()
	}

	var err error
	switch e.Version {
	case 1:
		e.NetworkAddress = r.ReadUTF16Z()
		err = r.Err()
	case 2:
		e.Proximity = r.ReadUint32()
		e.TTL = r.ReadUint32()
		pathOff, altOff, nodeOff := r.ReadUint16(), r.ReadUint16(), r.ReadUint16()
		if err = r.Err(); err == nil {
			err = e.readPaths(str, pathOff, altOff, nodeOff)
		}
	case 3, 4:
		e.TTL = r.ReadUint32()
		if e.Flags&EntryNameListReferral != 0 {
			specialOff, count, expandedOff := r.ReadUint16(), r.ReadUint16(), r.ReadUint16()
			if err = r.Err(); err != nil {
				break
			}
			if e.SpecialName, err = str(specialOff); err != nil {
				break
			}
			if expandedOff == 0 {
				break
			}
			er := smbenc.NewReader(b[min(start+int(expandedOff), len(b)):])
			for j := 0; j < int(count); j++ {
				e.ExpandedNames = append(e.ExpandedNames, er.ReadUTF16Z())
			}
			err = er.Err()
		} else {
			pathOff, altOff, nodeOff := r.ReadUint16(), r.ReadUint16(), r.ReadUint16()
			if err = r.Err(); err == nil {
				err = e.readPaths(str, pathOff, altOff, nodeOff)
			}
		}
	default:
		return Entry{}, 0, fmt.Errorf("%w: version %d", ErrMalformedReferral, e.Version)
	}
	if err != nil {
		return Entry{}, 0, fmt.Errorf("%w: %v", ErrMalformedReferral, err)
	}
	return e, size, nil
}

func (e *Entry) readPaths(str func(uint16) (string, error), pathOff, altOff, nodeOff uint16) error {
	var err error
	if e.DFSPath, err = str(pathOff); err != nil {
		return err
	}
	if e.DFSAltPath, err = str(altOff); err != nil {
		return err
	}
	e.NetworkAddress, err = str(nodeOff)
	return err
}

// Encode writes the response with v3 entries (v1 entries stay v1). Used by
// fake servers in tests and by tools replaying captured referrals.
func (resp *Response) Encode() []byte {
	const v3Size = 34
	w := smbenc.NewWriter(256)
	w.WriteUint16(resp.PathConsumed)
	w.WriteUint16(uint16(len(resp.Entries)))
	w.WriteUint32(resp.HeaderFlags)

	var strs []string
	var patch []int
	for _, e := range resp.Entries {
		if e.Version == 1 {
			w.WriteUint16(1)
			name := smbenc.MustEncodeUTF16(e.NetworkAddress)
			w.WriteUint16(uint16(8 + len(name) + 2))
			w.WriteUint16(e.ServerType)
			w.WriteUint16(e.Flags)
			w.WriteBytes(name)
			w.WriteUint16(0)
			continue
		}
		start := w.Len()
		w.WriteUint16(3)
		w.WriteUint16(v3Size)
		w.WriteUint16(e.ServerType)
		w.WriteUint16(e.Flags &^ EntryNameListReferral)
		w.WriteUint32(e.TTL)
		for _, s := range []string{e.DFSPath, e.DFSAltPath, e.NetworkAddress} {
			patch = append(patch, w.Len(), start)
			strs = append(strs, s)
			w.WriteUint16(0)
		}
		w.WriteZeros(16) // ServiceSiteGuid
	}
	for i, s := range strs {
		at, start := patch[2*i], patch[2*i+1]
		w.PutUint16At(at, uint16(w.Len()-start))
		w.WriteUTF16Z(s)
	}
	return w.Bytes()
}

// Target is one alternative a referral points at.
type Target struct {
	Server string
	Share  string
	// Path is the part of the network address after the share, without a
	// leading backslash.
	Path string
}

// UNC returns \server\share[\path].
func (t Target) UNC() string {
	s := `\` + t.Server + `\` + t.Share
	if t.Path != "" {
		s += `\` + t.Path
	}
	return s
}

// Referral is a resolved DFS referral: the consumed prefix of the requested
// path and a ring of alternative targets.
type Referral struct {
	// RequestPath is the path the referral was requested for.
	RequestPath string
	// Prefix is the part of RequestPath the server consumed, without
	// trailing backslashes.
	Prefix string
	// PathConsumed is len(Prefix) in UTF-16 code units.
	PathConsumed int

	Targets      []Target
	Current      int
	TTL          time.Duration
	Expiration   time.Time
	Intermediate bool
	Domain       string
}

// Target returns the current alternative.
func (r *Referral) Target() Target {
	return r.Targets[r.Current]
}

// Next advances to the next alternative and reports whether the ring has
// not yet wrapped back to the first one.
func (r *Referral) Next() bool {
	if len(r.Targets) == 0 {
		return false
	}
	r.Current = (r.Current + 1) % len(r.Targets)
	return r.Current != 0
}

// Expired reports whether the referral is past its expiration at now.
func (r *Referral) Expired(now time.Time) bool {
	return !r.Expiration.IsZero() && now.After(r.Expiration)
}

// Resolve maps path, which must begin with Prefix (case-insensitively), onto
// the current target.
func (r *Referral) Resolve(path string) (string, error) {
	path = normalize(path)
	if len(path) < len(r.Prefix) || !strings.EqualFold(path[:len(r.Prefix)], r.Prefix) {
		return "", fmt.Errorf("dfs: path %q is not covered by referral %q", path, r.Prefix)
	}
	return r.Target().UNC() + path[len(r.Prefix):], nil
}

// Clone returns a copy that can be advanced independently.
func (r *Referral) Clone() *Referral {
	c := *r
	c.Targets = append([]Target(nil), r.Targets...)
	return &c
}

// NewReferral builds a Referral from a decoded response to a request for
// path. defaultTTL applies when the server reports a zero TTL.
func NewReferral(path string, resp *Response, now time.Time, defaultTTL time.Duration) (*Referral, error) {
	if len(resp.Entries) == 0 {
		return nil, fmt.Errorf("%w: no referrals for %q", ErrMalformedReferral, path)
	}

	ref := &Referral{RequestPath: path}
	ref.Prefix, ref.PathConsumed = consumedPrefix(path, int(resp.PathConsumed)/2)

	var ttl uint32
	for _, e := range resp.Entries {
		if e.Flags&EntryNameListReferral != 0 {
			continue
		}
		t, err := ParseNetworkAddress(e.NetworkAddress)
		if err != nil {
			return nil, err
		}
		ref.Targets = append(ref.Targets, t)
		if len(ref.Targets) == 1 {
			ttl = e.TTL
			ref.Intermediate = resp.HeaderFlags&HeaderStorageServers == 0 && e.Flags&EntryNameListReferral == 0
		}
	}
	if len(ref.Targets) == 0 {
		return nil, fmt.Errorf("%w: only name list referrals for %q", ErrMalformedReferral, path)
	}

	ref.TTL = time.Duration(ttl) * time.Second
	if ref.TTL == 0 {
		ref.TTL = defaultTTL
	}
	ref.Expiration = now.Add(ref.TTL)
	return ref, nil
}

// consumedPrefix cuts path after n UTF-16 code units and strips trailing
// backslashes, which Samba tends to include.
func consumedPrefix(path string, n int) (string, int) {
	units := utf16.Encode([]rune(path))
	if n > len(units) || n <= 0 {
		n = len(units)
	}
	prefix := string(utf16.Decode(units[:n]))
	for len(prefix) > 1 && strings.HasSuffix(prefix, `\`) {
		prefix = prefix[:len(prefix)-1]
	}
	return prefix, len(utf16.Encode([]rune(prefix)))
}

// ParseNetworkAddress splits \server\share[\path].
func ParseNetworkAddress(addr string) (Target, error) {
	parts := strings.SplitN(strings.TrimLeft(addr, `\`), `\`, 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Target{}, fmt.Errorf("%w: network address %q", ErrMalformedReferral, addr)
	}
	t := Target{Server: parts[0], Share: parts[1]}
	if len(parts) == 3 {
		t.Path = strings.Trim(parts[2], `\`)
	}
	return t, nil
}
