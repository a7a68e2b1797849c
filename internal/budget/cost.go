package budget

// CostModel estimates the units a call will consume before it is dispatched:
// a per-capability base plus PerKiB units for every started KiB of encoded arguments.
type CostModel struct {
	Base    map[string]int64
	PerKiB  int64
	Default int64
}

// NewCostModel merges overrides over base.
func NewCostModel(base map[string]int64, perKiB int64, overrides map[string]int64) CostModel {
	m := CostModel{Base: make(map[string]int64, len(base)+len(overrides)), PerKiB: perKiB, Default: 10}
	for k, v := range base {
		m.Base[k] = v
	}
	for k, v := range overrides {
		m.Base[k] = v
	}
	return m
}

func (m CostModel) Estimate(capability string, argsBytes int) int64 {
	units, ok := m.Base[capability]
	if !ok {
		units = m.Default
	}
	if m.PerKiB > 0 && argsBytes > 0 {
		units += m.PerKiB * int64((argsBytes+1023)/1024)
	}
	return units
}
