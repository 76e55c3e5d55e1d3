package model

import "strings"

// Field addresses one Reading quantity by its register-map name.
type Field struct {
	Name string
	// ThreePhase fields are left not measured on single-phase meters.
	ThreePhase bool
	ptr        func(r *Reading) *Quantity
}

// Get returns the field's value in r.
func (f Field) Get(r Reading) Quantity { return *f.ptr(&r) }

// Set stores q into r.
func (f Field) Set(r *Reading, q Quantity) { *f.ptr(r) = q }

func phase(name string, ph int, arr func(r *Reading) *[3]Quantity) Field {
	return Field{Name: name, ThreePhase: ph != L1, ptr: func(r *Reading) *Quantity { return &arr(r)[ph] }}
}

func phases(prefix string, suffixes [3]string, arr func(r *Reading) *[3]Quantity) []Field {
	return []Field{
		phase(prefix+suffixes[0], L1, arr),
		phase(prefix+suffixes[1], L2, arr),
		phase(prefix+suffixes[2], L3, arr),
	}
}

func scalar(name string, threePhase bool, ptr func(r *Reading) *Quantity) Field {
	return Field{Name: name, ThreePhase: threePhase, ptr: ptr}
}

var lines = [3]string{"l1", "l2", "l3"}

var fieldList = func() []Field {
	var fs []Field
	fs = append(fs, phases("voltage_", [3]string{"l1n", "l2n", "l3n"}, func(r *Reading) *[3]Quantity { return &r.VoltageLN })...)
	ll := phases("voltage_", [3]string{"l1l2", "l2l3", "l3l1"}, func(r *Reading) *[3]Quantity { return &r.VoltageLL })
	for i := range ll {
		ll[i].ThreePhase = true
	}
	fs = append(fs, ll...)
	fs = append(fs, phases("current_", lines, func(r *Reading) *[3]Quantity { return &r.Current })...)
	fs = append(fs,
		scalar("active_power_total", false, func(r *Reading) *Quantity { return &r.ActivePower }),
		scalar("reactive_power_total", false, func(r *Reading) *Quantity { return &r.ReactivePower }),
		scalar("apparent_power_total", false, func(r *Reading) *Quantity { return &r.ApparentPower }),
		scalar("frequency", false, func(r *Reading) *Quantity { return &r.Frequency }),
		scalar("power_factor_total", false, func(r *Reading) *Quantity { return &r.PowerFactor }),
	)
	fs = append(fs, phases("active_power_", lines, func(r *Reading) *[3]Quantity { return &r.PhaseActivePower })...)
	fs = append(fs, phases("reactive_power_", lines, func(r *Reading) *[3]Quantity { return &r.PhaseReactivePower })...)
	fs = append(fs, phases("apparent_power_", lines, func(r *Reading) *[3]Quantity { return &r.PhaseApparentPower })...)
	fs = append(fs, phases("power_factor_", lines, func(r *Reading) *[3]Quantity { return &r.PhasePowerFactor })...)
	fs = append(fs, phases("thd_voltage_", lines, func(r *Reading) *[3]Quantity { return &r.THDVoltage })...)
	fs = append(fs, phases("thd_current_", lines, func(r *Reading) *[3]Quantity { return &r.THDCurrent })...)
	fs = append(fs,
		scalar("average_voltage_ln", false, func(r *Reading) *Quantity { return &r.AverageVoltageLN }),
		scalar("average_voltage_ll", true, func(r *Reading) *Quantity { return &r.AverageVoltageLL }),
		scalar("average_current", false, func(r *Reading) *Quantity { return &r.AverageCurrent }),
		scalar("voltage_unbalance", true, func(r *Reading) *Quantity { return &r.VoltageUnbalance }),
		scalar("current_unbalance", true, func(r *Reading) *Quantity { return &r.CurrentUnbalance }),
		scalar("active_energy", false, func(r *Reading) *Quantity { return &r.ActiveEnergy }),
		scalar("reactive_energy", false, func(r *Reading) *Quantity { return &r.ReactiveEnergy }),
	)
	return fs
}()

var fieldIndex = func() map[string]Field {
	m := make(map[string]Field, len(fieldList))
	for _, f := range fieldList {
		m[f.Name] = f
	}
	return m
}()

// Fields lists every addressable quantity in a stable order.
func Fields() []Field { return append([]Field(nil), fieldList...) }

// LookupField finds a field by name, ignoring case and surrounding space.
func LookupField(name string) (Field, bool) {
	f, ok := fieldIndex[strings.ToLower(strings.TrimSpace(name))]
	return f, ok
}
