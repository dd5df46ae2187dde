package session

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
)

const (
	// ContentTypeSDP тип тела INVITE и 200 OK
	ContentTypeSDP = "application/sdp"

	videoPayloadType = 96
	videoCodec       = "H264/90000"
)

// MediaParams локальный адрес медиа для offer/answer
type MediaParams struct {
	LocalIP   string
	LocalPort int
	// SessionID идентификатор MSRP сессии в a=path
	SessionID string
}

// Offer разобранное SDP предложение
type Offer struct {
	Kind          Kind
	Content       Content
	RemoteIP      string
	RemotePort    int
	Path          string
	TransferID    string
	Direction     string
	PayloadType   int
	Codec         string
	AcceptedTypes []string
}

func baseDescription(localIP string) *sdp.SessionDescription {
	return &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      uint64(time.Now().UnixNano()),
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: localIP,
		},
		SessionName: "-",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: localIP},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}
}

// BuildOffer формирует SDP для исходящей сессии: m=message с file-selector
// для передачи файла или m=video для видео
func BuildOffer(kind Kind, p MediaParams, content Content) ([]byte, error) {
	desc := baseDescription(p.LocalIP)

	switch kind {
	case KindFileTransfer:
		desc.MediaDescriptions = []*sdp.MediaDescription{
			msrpMedia(p, content, "sendonly", "active"),
		}
	case KindVideoSharing:
		desc.MediaDescriptions = []*sdp.MediaDescription{
			videoMedia(p, "sendonly"),
		}
	default:
		return nil, fmt.Errorf("%w: kind %q", ErrWrongKind, kind)
	}
	return desc.Marshal()
}

// BuildAnswer формирует ответ на разобранное предложение
func BuildAnswer(offer *Offer, p MediaParams) ([]byte, error) {
	desc := baseDescription(p.LocalIP)

	switch offer.Kind {
	case KindFileTransfer:
		desc.MediaDescriptions = []*sdp.MediaDescription{
			msrpMedia(p, offer.Content, "recvonly", "passive"),
		}
		if offer.TransferID != "" {
			desc.MediaDescriptions[0].Attributes = append(desc.MediaDescriptions[0].Attributes,
				sdp.NewAttribute("file-transfer-id", offer.TransferID))
		}
	case KindVideoSharing:
		desc.MediaDescriptions = []*sdp.MediaDescription{
			videoMedia(p, "recvonly"),
		}
	default:
		return nil, fmt.Errorf("%w: kind %q", ErrWrongKind, offer.Kind)
	}
	return desc.Marshal()
}

func msrpMedia(p MediaParams, content Content, direction, setup string) *sdp.MediaDescription {
	path := fmt.Sprintf("msrp://%s:%d/%s;tcp", p.LocalIP, p.LocalPort, p.SessionID)
	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "message",
			Port:    sdp.RangedPort{Value: p.LocalPort},
			Protos:  []string{"TCP", "MSRP"},
			Formats: []string{"*"},
		},
	}
	md.Attributes = []sdp.Attribute{
		sdp.NewAttribute("accept-types", content.MimeType),
		sdp.NewAttribute("file-selector", fileSelector(content)),
		sdp.NewAttribute("path", path),
		sdp.NewAttribute("setup", setup),
		sdp.NewPropertyAttribute(direction),
	}
	return md
}

func videoMedia(p MediaParams, direction string) *sdp.MediaDescription {
	pt := strconv.Itoa(videoPayloadType)
	return &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "video",
			Port:    sdp.RangedPort{Value: p.LocalPort},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{pt},
		},
		Attributes: []sdp.Attribute{
			sdp.NewAttribute("rtpmap", pt+" "+videoCodec),
			sdp.NewPropertyAttribute(direction),
		},
	}
}

func fileSelector(c Content) string {
	parts := make([]string, 0, 3)
	if c.Name != "" {
		parts = append(parts, fmt.Sprintf("name:%q", c.Name))
	}
	if c.MimeType != "" {
		parts = append(parts, "type:"+c.MimeType)
	}
	if c.Size > 0 {
		parts = append(parts, "size:"+strconv.FormatInt(c.Size, 10))
	}
	return strings.Join(parts, " ")
}

// parseFileSelector разбирает a=file-selector (RFC 5547)
func parseFileSelector(value string) Content {
	var c Content
	for value = strings.TrimSpace(value); value != ""; value = strings.TrimSpace(value) {
		key, rest, ok := strings.Cut(value, ":")
		if !ok {
			break
		}
		var token string
		if strings.HasPrefix(rest, `"`) {
			end := strings.Index(rest[1:], `"`)
			if end < 0 {
				token, value = rest[1:], ""
			} else {
				token, value = rest[1:end+1], rest[end+2:]
			}
		} else {
			token, value, _ = strings.Cut(rest, " ")
		}
		switch key {
		case "name":
			c.Name = token
		case "type":
			c.MimeType = token
		case "size":
			c.Size, _ = strconv.ParseInt(token, 10, 64)
		}
	}
	return c
}

// ParseOffer разбирает SDP входящего INVITE и определяет тип сессии
func ParseOffer(body []byte) (*Offer, error) {
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}

	for _, md := range desc.MediaDescriptions {
		offer := &Offer{
			RemoteIP:   remoteAddress(desc, md),
			RemotePort: md.MediaName.Port.Value,
		}
		switch md.MediaName.Media {
		case "message":
			offer.Kind = KindFileTransfer
			for _, a := range md.Attributes {
				switch a.Key {
				case "file-selector":
					offer.Content = parseFileSelector(a.Value)
				case "path":
					offer.Path = a.Value
				case "file-transfer-id":
					offer.TransferID = a.Value
				case "accept-types":
					offer.AcceptedTypes = strings.Fields(a.Value)
				case "sendonly", "recvonly", "sendrecv", "inactive":
					offer.Direction = a.Key
				}
			}
			if offer.Content.Name == "" && offer.Content.Size == 0 {
				continue
			}
			return offer, nil

		case "video":
			offer.Kind = KindVideoSharing
			if len(md.MediaName.Formats) > 0 {
				offer.PayloadType, _ = strconv.Atoi(md.MediaName.Formats[0])
			}
			for _, a := range md.Attributes {
				switch a.Key {
				case "rtpmap":
					pt, codec, _ := strings.Cut(a.Value, " ")
					if pt == strconv.Itoa(offer.PayloadType) {
						offer.Codec = codec
					}
				case "sendonly", "recvonly", "sendrecv", "inactive":
					offer.Direction = a.Key
				}
			}
			offer.Content = Content{MimeType: "video/" + codecName(offer.Codec)}
			return offer, nil
		}
	}
	return nil, fmt.Errorf("%w: no file-selector or video media", ErrInvalidOffer)
}

func codecName(codec string) string {
	name, _, _ := strings.Cut(codec, "/")
	return strings.ToLower(name)
}

func remoteAddress(desc *sdp.SessionDescription, md *sdp.MediaDescription) string {
	if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
		return md.ConnectionInformation.Address.Address
	}
	if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		return desc.ConnectionInformation.Address.Address
	}
	return desc.Origin.UnicastAddress
}
