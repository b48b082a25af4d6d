package media_handler

import (
	"net"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

// StripPrivateCandidates удаляет ICE кандидатов с приватными IPv4 адресами
// (10/8, 172.16/12, 192.168/16). Остальные строки SDP сохраняются.
func StripPrivateCandidates(desc webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(desc.SDP)); err != nil {
		return desc, errors.Wrap(err, "parse sdp")
	}

	parsed.Attributes = filterCandidates(parsed.Attributes)
	for _, media := range parsed.MediaDescriptions {
		media.Attributes = filterCandidates(media.Attributes)
	}

	raw, err := parsed.Marshal()
	if err != nil {
		return desc, errors.Wrap(err, "marshal sdp")
	}

	desc.SDP = string(raw)
	return desc, nil
}

func filterCandidates(attrs []sdp.Attribute) []sdp.Attribute {
	out := attrs[:0]
	for _, a := range attrs {
		if a.Key == "candidate" && isPrivateCandidate(a.Value) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// isPrivateCandidate разбирает значение вида
// "<foundation> <component> <transport> <priority> <address> <port> typ ..."
func isPrivateCandidate(value string) bool {
	fields := strings.Fields(value)
	if len(fields) < 5 {
		return false
	}

	switch strings.ToLower(fields[2]) {
	case "udp", "tcp":
	default:
		return false
	}

	ip := net.ParseIP(fields[4])
	if ip == nil || ip.To4() == nil {
		return false
	}
	return ip.IsPrivate()
}
