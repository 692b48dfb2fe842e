// Package alert defines the decoded cell-broadcast alert record and the
// identity rules used to detect duplicates.
package alert

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// MessageFormat is the air interface the alert was received on.
type MessageFormat string

const (
	FormatGSM  MessageFormat = "gsm"
	FormatCDMA MessageFormat = "cdma"
)

// AreaInfoCategory is the service category carrying area information
// broadcasts; the most recent one is cached for "get latest area info".
const AreaInfoCategory = 50

// CDMA CMAS service categories.
const (
	CategoryCMASPresidential   = 0x1000
	CategoryCMASExtremeThreat  = 0x1001
	CategoryCMASSevereThreat   = 0x1002
	CategoryCMASChildAbduction = 0x1003
	CategoryCMASTest           = 0x1004
)

// Record is one decoded alert.
//
// SerialNumber, PLMN, LAC and CID form the dedup identity. Empty strings mean
// "absent". LAC only means something under a PLMN, CID only under a LAC; see
// Normalize.
type Record struct {
	ID int64 `json:"id,omitempty"`

	SerialNumber int    `json:"serial_number" validate:"gte=0,lte=65535"`
	PLMN         string `json:"plmn,omitempty" validate:"omitempty,numeric,min=5,max=6"`
	LAC          string `json:"lac,omitempty" validate:"omitempty,max=16"`
	CID          string `json:"cid,omitempty" validate:"omitempty,max=16"`

	Format          MessageFormat `json:"format,omitempty" validate:"omitempty,oneof=gsm cdma"`
	ServiceCategory int           `json:"service_category" validate:"gte=0"`
	Language        string        `json:"language,omitempty" validate:"omitempty,max=8"`
	Body            string        `json:"body"`
	Priority        int           `json:"priority,omitempty"`

	// CMAS classification (zero values when not a CMAS alert).
	MessageClass int `json:"message_class,omitempty"`
	Severity     int `json:"severity,omitempty"`
	Urgency      int `json:"urgency,omitempty"`
	Certainty    int `json:"certainty,omitempty"`

	Subscription int       `json:"subscription" validate:"gte=0"`
	DeliveryTime time.Time `json:"delivery_time"`
	Read         bool      `json:"read"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Normalize enforces the PLMN > LAC > CID hierarchy, trims identity fields and
// truncates DeliveryTime to millisecond precision (the store's resolution).
func (r *Record) Normalize() {
	r.PLMN = strings.TrimSpace(r.PLMN)
	r.LAC = strings.TrimSpace(r.LAC)
	r.CID = strings.TrimSpace(r.CID)
	if r.PLMN == "" {
		r.LAC = ""
	}
	if r.LAC == "" {
		r.CID = ""
	}
	if r.Format == "" {
		r.Format = FormatGSM
	}
	if r.DeliveryTime.IsZero() {
		r.DeliveryTime = time.Now()
	}
	r.DeliveryTime = time.UnixMilli(r.DeliveryTime.UnixMilli())
}

// Validate checks field bounds after Normalize.
func (r Record) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid alert record: %w", err)
	}
	return nil
}

// IsAreaInfo reports whether the record is an area information broadcast.
func (r Record) IsAreaInfo() bool { return r.ServiceCategory == AreaInfoCategory }

// IsCDMACMAS reports whether the record is a CDMA CMAS alert.
func (r Record) IsCDMACMAS() bool {
	return r.Format == FormatCDMA && r.ServiceCategory >= CategoryCMASPresidential && r.ServiceCategory <= CategoryCMASTest
}

// Identity returns the dedup identity of the record.
func (r Record) Identity() Identity {
	return Identity{Serial: r.SerialNumber, PLMN: r.PLMN, LAC: r.LAC, CID: r.CID}
}
