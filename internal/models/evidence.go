package models

import (
	"sort"
	"strconv"
)

// IdentityEvidence накопленные нормализованные значения идентичности сегмента.
// Текущее значение поля - последнее непустое, если частотное правило не
// выбрало другое повторяющееся значение.
type IdentityEvidence struct {
	Shipname *string `json:"shipname,omitempty"`
	Callsign *string `json:"callsign,omitempty"`
	IMO      *int64  `json:"imo,omitempty"`

	ShipnameCounts map[string]int `json:"shipname_counts,omitempty"`
	CallsignCounts map[string]int `json:"callsign_counts,omitempty"`
	IMOCounts      map[string]int `json:"imo_counts,omitempty"`
}

// Current текущие значения идентичности
func (e *IdentityEvidence) Current() NormalizedIdentity {
	return NormalizedIdentity{Shipname: e.Shipname, Callsign: e.Callsign, IMO: e.IMO}
}

// Observe учитывает нормализованную идентичность сообщения. frequencyOverride > 0
// включает частотное правило: значение, встреченное не меньше frequencyOverride
// раз и чаще последнего, остается текущим.
func (e *IdentityEvidence) Observe(n NormalizedIdentity, frequencyOverride int) {
	if n.Shipname != nil {
		v := observeValue(&e.ShipnameCounts, *n.Shipname, frequencyOverride)
		e.Shipname = &v
	}
	if n.Callsign != nil {
		v := observeValue(&e.CallsignCounts, *n.Callsign, frequencyOverride)
		e.Callsign = &v
	}
	if n.IMO != nil {
		chosen := observeValue(&e.IMOCounts, strconv.FormatInt(*n.IMO, 10), frequencyOverride)
		if imo, err := strconv.ParseInt(chosen, 10, 64); err == nil {
			e.IMO = &imo
		}
	}
}

func observeValue(counts *map[string]int, value string, frequencyOverride int) string {
	if *counts == nil {
		*counts = make(map[string]int)
	}
	(*counts)[value]++

	chosen := value
	if frequencyOverride <= 0 {
		return chosen
	}

	best := (*counts)[value]
	keys := make([]string, 0, len(*counts))
	for k := range *counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if c := (*counts)[k]; c >= frequencyOverride && c > best {
			best = c
			chosen = k
		}
	}
	return chosen
}

// Clone глубокая копия
func (e IdentityEvidence) Clone() IdentityEvidence {
	c := IdentityEvidence{
		ShipnameCounts: cloneCounts(e.ShipnameCounts),
		CallsignCounts: cloneCounts(e.CallsignCounts),
		IMOCounts:      cloneCounts(e.IMOCounts),
	}
	if e.Shipname != nil {
		v := *e.Shipname
		c.Shipname = &v
	}
	if e.Callsign != nil {
		v := *e.Callsign
		c.Callsign = &v
	}
	if e.IMO != nil {
		v := *e.IMO
		c.IMO = &v
	}
	return c
}

func cloneCounts(src map[string]int) map[string]int {
	if src == nil {
		return nil
	}
	dst := make(map[string]int, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
