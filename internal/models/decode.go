package models

import (
	"bytes"
	"encoding/json"
	"strings"
)

// UnmarshalJSON defaults ativo to true and coerces non-string comments into
// their JSON text.
func (c *Client) UnmarshalJSON(data []byte) error {
	type plain Client
	aux := struct {
		*plain
		Comments json.RawMessage `json:"comentarios"`
		Active   *bool           `json:"ativo"`
	}{plain: (*plain)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	c.Comments = flexString(aux.Comments)
	c.Active = aux.Active == nil || *aux.Active
	return nil
}

// MarshalJSON always emits bicicletas as a list.
func (c Client) MarshalJSON() ([]byte, error) {
	type plain Client
	if c.Bicycles == nil {
		c.Bicycles = []Bicycle{}
	}
	return json.Marshal(plain(c))
}

func (b *Bicycle) UnmarshalJSON(data []byte) error {
	type plain Bicycle
	aux := struct {
		*plain
		WheelSize json.RawMessage `json:"aro"`
		Active    *bool           `json:"ativa"`
	}{plain: (*plain)(b)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	b.WheelSize = flexString(aux.WheelSize)
	b.Active = aux.Active == nil || *aux.Active
	return nil
}

// Normalize fills the description from brand and model when it is empty.
func (b *Bicycle) Normalize() {
	if strings.TrimSpace(b.Description) == "" {
		b.Description = strings.TrimSpace(b.Brand + " " + b.Model)
	}
}

// UnmarshalJSON accepts clientId and bikeId as aliases of clienteId and
// bicicletaId. Only the canonical fields survive decoding.
func (r *Record) UnmarshalJSON(data []byte) error {
	type plain Record
	aux := struct {
		*plain
		ClientAlias  string `json:"clientId"`
		BicycleAlias string `json:"bikeId"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if r.ClientID == "" {
		r.ClientID = aux.ClientAlias
	}
	if r.BicycleID == "" {
		r.BicycleID = aux.BicycleAlias
	}
	return nil
}

func (u *User) UnmarshalJSON(data []byte) error {
	type plain User
	aux := struct {
		*plain
		Active *bool `json:"ativo"`
	}{plain: (*plain)(u)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	u.Active = aux.Active == nil || *aux.Active
	if u.Role == "" {
		u.Role = RoleEmployee
	}
	return nil
}

// flexString turns any JSON value into a string: strings are unquoted, null
// becomes empty and everything else keeps its compact JSON text.
func flexString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
