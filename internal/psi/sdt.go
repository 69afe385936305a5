package psi

import "encoding/binary"

// ServiceNames is the opportunistic descriptive-name lookup populated from
// SDT (spec.md §3 "SDTServiceName/SDTProviderName"; SDT itself is passed
// through unchanged, see SPEC_FULL.md §9 — this parser only ever reads it).
type ServiceNames struct {
	ServiceName  string
	ProviderName string
}

const descriptorTagService = 0x48

// ParseSDTServiceNames extracts the service/provider name descriptor (tag
// 0x48) for each service_id in a complete SDT section (table_id 0x42 or
// 0x46). Sections with no service-descriptor are simply absent from the
// result; this never errors on unrecognised descriptor tags, since SDT
// carries many descriptor kinds this module has no use for.
func ParseSDTServiceNames(section []byte) map[uint16]ServiceNames {
	out := make(map[uint16]ServiceNames)
	if len(section) < 11 {
		return out
	}
	sectionLength := int(section[1]&0x0f)<<8 | int(section[2])
	end := 3 + sectionLength - 4
	if end > len(section) {
		end = len(section)
	}

	off := 11
	for off+5 <= end {
		serviceID := binary.BigEndian.Uint16(section[off : off+2])
		descLoopLength := int(section[off+3]&0x0f)<<8 | int(section[off+4])
		descOff := off + 5
		descEnd := descOff + descLoopLength
		if descEnd > end {
			break
		}
		for descOff+2 <= descEnd {
			tag := section[descOff]
			length := int(section[descOff+1])
			if descOff+2+length > descEnd {
				break
			}
			if tag == descriptorTagService && length >= 2 {
				body := section[descOff+2 : descOff+2+length]
				providerLen := int(body[1])
				if 2+providerLen <= len(body) {
					provider := string(body[2 : 2+providerLen])
					rest := body[2+providerLen:]
					if len(rest) >= 1 {
						nameLen := int(rest[0])
						if 1+nameLen <= len(rest) {
							name := string(rest[1 : 1+nameLen])
							out[serviceID] = ServiceNames{ServiceName: name, ProviderName: provider}
						}
					}
				}
			}
			descOff += 2 + length
		}
		off = descEnd
	}
	return out
}
