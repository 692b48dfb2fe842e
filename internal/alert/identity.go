package alert

import "fmt"

// MatchLevel is how many identity fields a duplicate check compares,
// always anchored on the serial number.
type MatchLevel int

const (
	MatchSerial MatchLevel = iota + 1
	MatchSerialPLMN
	MatchSerialPLMNLAC
	MatchSerialPLMNLACCID
)

func (l MatchLevel) String() string {
	switch l {
	case MatchSerial:
		return "serial"
	case MatchSerialPLMN:
		return "serial+plmn"
	case MatchSerialPLMNLAC:
		return "serial+plmn+lac"
	case MatchSerialPLMNLACCID:
		return "serial+plmn+lac+cid"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Identity is the carrier-assigned serial plus the geographic scope it was
// broadcast in. Serial numbers are reused across networks and cells, so the
// scope narrows what counts as "the same" alert.
type Identity struct {
	Serial int
	PLMN   string
	LAC    string
	CID    string
}

// Level picks the most specific field set the identity can support.
func (id Identity) Level() MatchLevel {
	switch {
	case id.PLMN != "" && id.LAC != "" && id.CID != "":
		return MatchSerialPLMNLACCID
	case id.PLMN != "" && id.LAC != "":
		return MatchSerialPLMNLAC
	case id.PLMN != "":
		return MatchSerialPLMN
	default:
		return MatchSerial
	}
}

// Matches reports whether a stored identity collides with id under id's level.
// Fields beyond that level are ignored on both sides.
func (id Identity) Matches(stored Identity) bool {
	if id.Serial != stored.Serial {
		return false
	}
	lvl := id.Level()
	if lvl >= MatchSerialPLMN && id.PLMN != stored.PLMN {
		return false
	}
	if lvl >= MatchSerialPLMNLAC && id.LAC != stored.LAC {
		return false
	}
	if lvl >= MatchSerialPLMNLACCID && id.CID != stored.CID {
		return false
	}
	return true
}
