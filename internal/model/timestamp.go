package model

import (
	"encoding/json"
	"time"
)

// timeLayout matches the millisecond UTC format of the top-level row
// timestamps, so dates nested in JSON columns read back byte-identical.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// jsonTime is a time.Time that encodes with timeLayout.
type jsonTime time.Time

func (t jsonTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(t).UTC().Format(timeLayout))
}

func (t *jsonTime) UnmarshalJSON(b []byte) error {
	var v time.Time
	if err := v.UnmarshalJSON(b); err != nil {
		return err
	}
	*t = jsonTime(v.UTC())
	return nil
}

func (e WorkProgressEntry) MarshalJSON() ([]byte, error) {
	type plain WorkProgressEntry
	return json.Marshal(struct {
		plain
		Date jsonTime `json:"date"`
	}{plain(e), jsonTime(e.Date)})
}

func (e *WorkProgressEntry) UnmarshalJSON(b []byte) error {
	type plain WorkProgressEntry
	aux := struct {
		*plain
		Date jsonTime `json:"date"`
	}{plain: (*plain)(e)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	e.Date = time.Time(aux.Date)
	return nil
}

func (s TimeSession) MarshalJSON() ([]byte, error) {
	type plain TimeSession
	return json.Marshal(struct {
		plain
		StartedAt jsonTime  `json:"startedAt"`
		EndedAt   *jsonTime `json:"endedAt,omitempty"`
	}{plain(s), jsonTime(s.StartedAt), (*jsonTime)(s.EndedAt)})
}

func (s *TimeSession) UnmarshalJSON(b []byte) error {
	type plain TimeSession
	aux := struct {
		*plain
		StartedAt jsonTime  `json:"startedAt"`
		EndedAt   *jsonTime `json:"endedAt,omitempty"`
	}{plain: (*plain)(s)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	s.StartedAt = time.Time(aux.StartedAt)
	s.EndedAt = (*time.Time)(aux.EndedAt)
	return nil
}

func (d YarnDetails) MarshalJSON() ([]byte, error) {
	type plain YarnDetails
	return json.Marshal(struct {
		plain
		PurchaseDate *jsonTime `json:"purchaseDate,omitempty"`
	}{plain(d), (*jsonTime)(d.PurchaseDate)})
}

func (d *YarnDetails) UnmarshalJSON(b []byte) error {
	type plain YarnDetails
	aux := struct {
		*plain
		PurchaseDate *jsonTime `json:"purchaseDate,omitempty"`
	}{plain: (*plain)(d)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	d.PurchaseDate = (*time.Time)(aux.PurchaseDate)
	return nil
}

func (d HookDetails) MarshalJSON() ([]byte, error) {
	type plain HookDetails
	return json.Marshal(struct {
		plain
		PurchaseDate *jsonTime `json:"purchaseDate,omitempty"`
	}{plain(d), (*jsonTime)(d.PurchaseDate)})
}

func (d *HookDetails) UnmarshalJSON(b []byte) error {
	type plain HookDetails
	aux := struct {
		*plain
		PurchaseDate *jsonTime `json:"purchaseDate,omitempty"`
	}{plain: (*plain)(d)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	d.PurchaseDate = (*time.Time)(aux.PurchaseDate)
	return nil
}

func (d OtherDetails) MarshalJSON() ([]byte, error) {
	type plain OtherDetails
	return json.Marshal(struct {
		plain
		PurchaseDate *jsonTime `json:"purchaseDate,omitempty"`
	}{plain(d), (*jsonTime)(d.PurchaseDate)})
}

func (d *OtherDetails) UnmarshalJSON(b []byte) error {
	type plain OtherDetails
	aux := struct {
		*plain
		PurchaseDate *jsonTime `json:"purchaseDate,omitempty"`
	}{plain: (*plain)(d)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	d.PurchaseDate = (*time.Time)(aux.PurchaseDate)
	return nil
}
