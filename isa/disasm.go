package isa

import (
	"fmt"
	"strings"
)

// Disassemble renders code loaded at base, one instruction per line. Bytes
// that do not decode are emitted as db and skipped.
func Disassemble(code []byte, base uint64) string {
	var sb strings.Builder
	offset := 0
	for offset < len(code) {
		pc := base + uint64(offset)
		inst, err := Decode(pc, code[offset:])
		if err != nil {
			sb.WriteString(fmt.Sprintf("0x%08x: db 0x%02x\n", pc, code[offset]))
			offset++
			continue
		}
		var hexBytes []string
		for _, b := range inst.Bytes() {
			hexBytes = append(hexBytes, fmt.Sprintf("%02x", b))
		}
		sb.WriteString(fmt.Sprintf(
			"0x%08x: %-30s %s\n",
			pc,
			strings.Join(hexBytes, " "),
			inst.String(),
		))
		offset += inst.Len()
	}
	return sb.String()
}
