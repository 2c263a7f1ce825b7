package attestation

import (
	"strconv"
	"time"
)

// EpochMillis marshals a time.Time as a millisecond Unix epoch integer, the
// wire format the attestation record payload uses for ts.
type EpochMillis time.Time

// NewEpochMillis truncates t to millisecond precision and wraps it.
func NewEpochMillis(t time.Time) EpochMillis {
	return EpochMillis(t.Truncate(time.Millisecond))
}

// Time returns the underlying time.Time.
func (m EpochMillis) Time() time.Time {
	return time.Time(m)
}

// MarshalJSON implements json.Marshaler.
func (m EpochMillis) MarshalJSON() ([]byte, error) {
	ms := time.Time(m).UnixMilli()
	return []byte(strconv.FormatInt(ms, 10)), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *EpochMillis) UnmarshalJSON(data []byte) error {
	ms, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return err
	}
	*m = EpochMillis(time.UnixMilli(ms).UTC())
	return nil
}
