package meter

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"

	"meterlink/internal/config"
	"meterlink/internal/model"
)

// maxBlockWords is the Modbus limit for one Read Holding Registers request.
const maxBlockWords = 125

// maxGap is the largest run of unused registers still merged into one block.
const maxGap = 32

// Register maps one meter value onto a Reading field.
type Register struct {
	Field     string
	Addr      uint16
	DataType  string // uint16 | int16 | uint32 | int32 | float32
	ByteOrder string // ABCD | DCBA | BADC | CDAB
	Scale     float64
	Unit      string
}

// Words is the register count the value occupies.
func (r Register) Words() uint16 {
	switch r.DataType {
	case "uint16", "int16":
		return 1
	}
	return 2
}

func (r Register) scale() float64 {
	if r.Scale == 0 {
		return 1
	}
	return r.Scale
}

// Block is one contiguous read.
type Block struct {
	Start uint16
	Count uint16
	Regs  []Register
}

func (b Block) String() string { return fmt.Sprintf("%d+%d", b.Start, b.Count) }

// RegisterMap is an immutable set of registers grouped into read blocks.
type RegisterMap struct {
	regs   []Register
	blocks []Block
}

// PAC3200 is the built-in map for a Siemens SENTRON PAC3200: IEEE floats,
// big-endian words. The meter's own min/max registers are not read; the
// history summary covers that window.
func PAC3200() RegisterMap {
	f := func(name string, addr uint16, unit string) Register {
		return Register{Field: name, Addr: addr, DataType: "float32", ByteOrder: "ABCD", Scale: 1, Unit: unit}
	}
	m, _ := NewRegisterMap([]Register{
		f("voltage_l1n", 1, "V"),
		f("voltage_l2n", 3, "V"),
		f("voltage_l3n", 5, "V"),
		f("voltage_l1l2", 7, "V"),
		f("voltage_l2l3", 9, "V"),
		f("voltage_l3l1", 11, "V"),
		f("current_l1", 13, "A"),
		f("current_l2", 15, "A"),
		f("current_l3", 17, "A"),
		f("apparent_power_l1", 19, "VA"),
		f("apparent_power_l2", 21, "VA"),
		f("apparent_power_l3", 23, "VA"),
		f("active_power_l1", 25, "W"),
		f("active_power_l2", 27, "W"),
		f("active_power_l3", 29, "W"),
		f("reactive_power_l1", 31, "var"),
		f("reactive_power_l2", 33, "var"),
		f("reactive_power_l3", 35, "var"),
		f("power_factor_l1", 37, ""),
		f("power_factor_l2", 39, ""),
		f("power_factor_l3", 41, ""),
		f("thd_voltage_l1", 43, "%"),
		f("thd_voltage_l2", 45, "%"),
		f("thd_voltage_l3", 47, "%"),
		f("thd_current_l1", 49, "%"),
		f("thd_current_l2", 51, "%"),
		f("thd_current_l3", 53, "%"),
		f("frequency", 55, "Hz"),
		f("average_voltage_ln", 57, "V"),
		f("average_voltage_ll", 59, "V"),
		f("average_current", 61, "A"),
		f("apparent_power_total", 63, "VA"),
		f("active_power_total", 65, "W"),
		f("reactive_power_total", 67, "var"),
		f("power_factor_total", 69, ""),
		f("voltage_unbalance", 71, "%"),
		f("current_unbalance", 73, "%"),
		f("active_energy", 801, "Wh"),
		f("reactive_energy", 805, "varh"),
	})
	return m
}

// NewRegisterMap validates regs and plans the read blocks.
func NewRegisterMap(regs []Register) (RegisterMap, error) {
	if len(regs) == 0 {
		return RegisterMap{}, fmt.Errorf("register map is empty")
	}
	out := make([]Register, len(regs))
	seen := make(map[string]bool, len(regs))
	for i, r := range regs {
		r.Field = strings.ToLower(strings.TrimSpace(r.Field))
		r.DataType = strings.ToLower(strings.TrimSpace(r.DataType))
		r.ByteOrder = strings.ToUpper(strings.TrimSpace(r.ByteOrder))
		if r.DataType == "" {
			r.DataType = "float32"
		}
		if r.ByteOrder == "" {
			r.ByteOrder = "ABCD"
		}
		if _, ok := model.LookupField(r.Field); !ok {
			return RegisterMap{}, fmt.Errorf("register %d: unknown field %q", r.Addr, r.Field)
		}
		if seen[r.Field] {
			return RegisterMap{}, fmt.Errorf("register %d: field %q mapped twice", r.Addr, r.Field)
		}
		seen[r.Field] = true
		switch r.DataType {
		case "uint16", "int16", "uint32", "int32", "float32":
		default:
			return RegisterMap{}, fmt.Errorf("register %d: unsupported data type %s", r.Addr, r.DataType)
		}
		if int(r.Addr)+int(r.Words()) > 65535 {
			return RegisterMap{}, fmt.Errorf("register %d: past end of address space", r.Addr)
		}
		out[i] = r
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return RegisterMap{regs: out, blocks: planBlocks(out)}, nil
}

// FromPoints builds a map from configured points, falling back to byteOrder
// for points without their own.
func FromPoints(points []config.Point, byteOrder string) (RegisterMap, error) {
	regs := make([]Register, 0, len(points))
	for _, p := range points {
		bo := p.ByteOrder
		if bo == "" {
			bo = byteOrder
		}
		regs = append(regs, Register{
			Field:     p.Name,
			Addr:      p.Address,
			DataType:  p.DataType,
			ByteOrder: bo,
			Scale:     p.Scale,
			Unit:      p.Unit,
		})
	}
	return NewRegisterMap(regs)
}

// ForConnection returns the register map a connection should use.
func ForConnection(cfg config.Connection) (RegisterMap, error) {
	if len(cfg.Registers) > 0 {
		return FromPoints(cfg.Registers, cfg.ByteOrder)
	}
	m := PAC3200()
	if cfg.ByteOrder == "" || cfg.ByteOrder == "ABCD" {
		return m, nil
	}
	regs := m.Registers()
	for i := range regs {
		regs[i].ByteOrder = cfg.ByteOrder
	}
	return NewRegisterMap(regs)
}

// planBlocks groups sorted registers into reads of at most maxBlockWords,
// merging neighbours separated by no more than maxGap unused words.
func planBlocks(regs []Register) []Block {
	var blocks []Block
	for _, r := range regs {
		end := r.Addr + r.Words()
		if n := len(blocks); n > 0 {
			b := &blocks[n-1]
			bEnd := b.Start + b.Count
			if int(r.Addr) <= int(bEnd)+maxGap && int(end)-int(b.Start) <= maxBlockWords {
				if end > bEnd {
					b.Count = end - b.Start
				}
				b.Regs = append(b.Regs, r)
				continue
			}
		}
		blocks = append(blocks, Block{Start: r.Addr, Count: r.Words(), Regs: []Register{r}})
	}
	return blocks
}

// Registers returns a copy of the map's registers, sorted by address.
func (m RegisterMap) Registers() []Register { return append([]Register(nil), m.regs...) }

// Blocks returns the planned reads.
func (m RegisterMap) Blocks() []Block { return m.blocks }

// decodeBlock writes every register of b found in data into r. data is the raw
// register payload of the block.
func decodeBlock(r *model.Reading, b Block, data []byte, phases int) error {
	if len(data) != int(b.Count)*2 {
		return fmt.Errorf("block %s: got %d bytes, want %d", b, len(data), int(b.Count)*2)
	}
	for _, reg := range b.Regs {
		f, _ := model.LookupField(reg.Field)
		if phases == 1 && f.ThreePhase {
			continue
		}
		off := int(reg.Addr-b.Start) * 2
		v, err := decodeRegisterData(data[off:off+int(reg.Words())*2], reg)
		if err != nil {
			return fmt.Errorf("register %s@%d: %w", reg.Field, reg.Addr, err)
		}
		f.Set(r, model.Measured(v))
	}
	return nil
}

func decodeRegisterData(data []byte, reg Register) (float64, error) {
	applyScale := func(v float64) float64 { return v * reg.scale() }

	switch reg.DataType {
	case "uint16":
		if len(data) < 2 {
			return 0, fmt.Errorf("insufficient data for uint16")
		}
		return applyScale(float64(binary.BigEndian.Uint16(data[:2]))), nil
	case "int16":
		if len(data) < 2 {
			return 0, fmt.Errorf("insufficient data for int16")
		}
		return applyScale(float64(int16(binary.BigEndian.Uint16(data[:2])))), nil
	case "float32":
		if len(data) < 4 {
			return 0, fmt.Errorf("insufficient data for float32")
		}
		u := binary.BigEndian.Uint32(reorder32(data[:4], reg.ByteOrder))
		return applyScale(float64(math.Float32frombits(u))), nil
	case "uint32":
		if len(data) < 4 {
			return 0, fmt.Errorf("insufficient data for uint32")
		}
		return applyScale(float64(binary.BigEndian.Uint32(reorder32(data[:4], reg.ByteOrder)))), nil
	case "int32":
		if len(data) < 4 {
			return 0, fmt.Errorf("insufficient data for int32")
		}
		return applyScale(float64(int32(binary.BigEndian.Uint32(reorder32(data[:4], reg.ByteOrder))))), nil
	default:
		return 0, fmt.Errorf("unsupported data type: %s", reg.DataType)
	}
}

// reorder32 returns a 4-byte slice reordered per byte-order string.
// Every supported order is its own inverse, so it both decodes and encodes.
// Supported orders: "ABCD" (default), "DCBA", "BADC" (byte swap within words), "CDAB" (word swap).
func reorder32(in []byte, order string) []byte {
	var out [4]byte
	switch order {
	case "DCBA":
		out[0], out[1], out[2], out[3] = in[3], in[2], in[1], in[0]
	case "BADC":
		out[0], out[1], out[2], out[3] = in[1], in[0], in[3], in[2]
	case "CDAB":
		out[0], out[1], out[2], out[3] = in[2], in[3], in[0], in[1]
	default:
		copy(out[:], in[:4])
	}
	return out[:]
}

// Encode writes r into register words through set, the inverse of decoding.
// Not measured float values are written as NaN; not measured integers are skipped.
func (m RegisterMap) Encode(r model.Reading, set func(addr, word uint16)) {
	for _, reg := range m.regs {
		f, _ := model.LookupField(reg.Field)
		v, ok := f.Get(r).Value()
		if !ok && reg.DataType != "float32" {
			continue
		}
		if ok {
			v /= reg.scale()
		} else {
			v = math.NaN()
		}
		var raw [4]byte
		switch reg.DataType {
		case "uint16":
			set(reg.Addr, uint16(math.Round(v)))
			continue
		case "int16":
			set(reg.Addr, uint16(int16(math.Round(v))))
			continue
		case "float32":
			binary.BigEndian.PutUint32(raw[:], math.Float32bits(float32(v)))
		case "uint32":
			binary.BigEndian.PutUint32(raw[:], uint32(math.Round(v)))
		case "int32":
			binary.BigEndian.PutUint32(raw[:], uint32(int32(math.Round(v))))
		}
		b := reorder32(raw[:], reg.ByteOrder)
		set(reg.Addr, binary.BigEndian.Uint16(b[0:2]))
		set(reg.Addr+1, binary.BigEndian.Uint16(b[2:4]))
	}
}
