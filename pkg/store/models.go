package store

import (
	"time"

	"github.com/kisy/kipepeo/model"
)

// SessionModel is the GORM model for the sessions table.
type SessionModel struct {
	ID            uint      `gorm:"primaryKey;autoIncrement"`
	SessionID     string    `gorm:"column:session_id;type:varchar(36);not null;uniqueIndex"`
	URL           string    `gorm:"column:url;type:text;not null"`
	State         string    `gorm:"column:state;type:varchar(16);not null"`
	Encoding      string    `gorm:"column:encoding;type:varchar(16)"`
	Passthrough   bool      `gorm:"column:passthrough"`
	Reason        string    `gorm:"column:reason;type:text"`
	OriginalBytes uint64    `gorm:"column:original_bytes"`
	ActualBytes   uint64    `gorm:"column:actual_bytes"`
	RangeStart    int64     `gorm:"column:range_start"`
	RangeEnd      int64     `gorm:"column:range_end"`
	StartedAt     time.Time `gorm:"column:started_at"`
	FinishedAt    time.Time `gorm:"column:finished_at;index"`
}

func (SessionModel) TableName() string {
	return "sessions"
}

func sessionFromRecord(rec model.SessionRecord) SessionModel {
	return SessionModel{
		SessionID:     rec.ID,
		URL:           rec.URL,
		State:         string(rec.State),
		Encoding:      rec.Encoding,
		Passthrough:   rec.Passthrough,
		Reason:        rec.Reason,
		OriginalBytes: rec.OriginalBytes,
		ActualBytes:   rec.ActualBytes,
		RangeStart:    rec.RangeStart,
		RangeEnd:      rec.RangeEnd,
		StartedAt:     rec.StartTime,
		FinishedAt:    rec.FinishTime,
	}
}

func (m SessionModel) record() model.SessionRecord {
	return model.SessionRecord{
		ID:            m.SessionID,
		URL:           m.URL,
		State:         model.SessionState(m.State),
		Encoding:      m.Encoding,
		Passthrough:   m.Passthrough,
		Reason:        m.Reason,
		OriginalBytes: m.OriginalBytes,
		ActualBytes:   m.ActualBytes,
		RangeStart:    m.RangeStart,
		RangeEnd:      m.RangeEnd,
		StartTime:     m.StartedAt,
		FinishTime:    m.FinishedAt,
	}
}

// ledgerRowID is the primary key of the single ledger_state row.
const ledgerRowID = 1

// LedgerModel is the GORM model for the ledger_state table. It holds one row.
type LedgerModel struct {
	ID             uint      `gorm:"primaryKey"`
	Epoch          uint64    `gorm:"column:epoch"`
	BytesUsed      uint64    `gorm:"column:bytes_used"`
	BytesSaved     uint64    `gorm:"column:bytes_saved"`
	Samples        uint64    `gorm:"column:samples"`
	Aborted        uint64    `gorm:"column:aborted"`
	Inflated       uint64    `gorm:"column:inflated"`
	DeviceReceived uint64    `gorm:"column:device_received"`
	DeviceSent     uint64    `gorm:"column:device_sent"`
	Since          time.Time `gorm:"column:since"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (LedgerModel) TableName() string {
	return "ledger_state"
}
