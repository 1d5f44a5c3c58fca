package dns

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeRequestSetsRDAndSingleQuestion(t *testing.T) {
	msg, err := EncodeRequest(0x1234, "example.com", TypeA)
	require.NoError(t, err)

	resp, err := DecodeResponse(msg)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), resp.ID)
	assert.NotZero(t, resp.Flags&RDFlag)
	require.Len(t, resp.Questions, 1)
	assert.Equal(t, "example.com", resp.Questions[0].Name)
	assert.Equal(t, TypeA, resp.Questions[0].Type)
}

func TestMarshalDecodeRoundTripAllRRTypes(t *testing.T) {
	resp := &DnsResponse{
		ID:    1,
		Flags: QRFlag | RDFlag,
		Questions: []DnsQuestion{
			{Name: "example.com", Type: TypeA, Class: ClassIN},
		},
		Answers: []DnsResourceRecord{
			{Name: "example.com", Type: TypeA, Class: ClassIN, TTL: 300, Data: AData{Addr: [4]byte{1, 2, 3, 4}}},
			{Name: "example.com", Type: TypeAAAA, Class: ClassIN, TTL: 300, Data: AAAAData{Addr: [16]byte{0: 0x20, 1: 0x01}}},
			{Name: "example.com", Type: TypeCNAME, Class: ClassIN, TTL: 300, Data: NameData{Name: "canonical.example.com"}},
			{Name: "example.com", Type: TypeMX, Class: ClassIN, TTL: 300, Data: MXData{Preference: 10, Exchange: "mail.example.com"}},
			{Name: "_sip._tcp.example.com", Type: TypeSRV, Class: ClassIN, TTL: 300, Data: SRVData{Priority: 1, Weight: 2, Port: 5060, Target: "sip.example.com"}},
			{Name: "example.com", Type: TypeTXT, Class: ClassIN, TTL: 300, Data: TXTData{Strings: []string{"v=spf1", "include:example.com"}}},
			{Name: "example.com", Type: TypeHINFO, Class: ClassIN, TTL: 300, Data: HINFOData{CPU: "x86_64", OS: "linux"}},
			{
				Name: "example.com", Type: TypeNAPTR, Class: ClassIN, TTL: 300,
				Data: NAPTRData{Order: 100, Preference: 10, Flags: "u", Services: "E2U+sip", Regexp: "!^.*$!sip:info@example.com!", Replacement: ""},
			},
			{
				Name: "example.com", Type: TypeSOA, Class: ClassIN, TTL: 300,
				Data: SOAData{MName: "ns1.example.com", RName: "hostmaster.example.com", Serial: 1, Refresh: 7200, Retry: 3600, Expire: 1209600, Minimum: 3600},
			},
		},
		Authorities: []DnsResourceRecord{
			{Name: "example.com", Type: TypeNS, Class: ClassIN, TTL: 300, Data: NameData{Name: "ns1.example.com"}},
		},
	}

	wire, err := resp.Marshal()
	require.NoError(t, err)

	got, err := DecodeResponse(wire)
	require.NoError(t, err)
	assert.Equal(t, resp.ID, got.ID)
	assert.Equal(t, resp.Flags, got.Flags)
	require.Len(t, got.Answers, len(resp.Answers))
	for i, want := range resp.Answers {
		assert.Equal(t, want.Type, got.Answers[i].Type, "answer %d type", i)
		assert.Equal(t, want.Data, got.Answers[i].Data, "answer %d data", i)
	}
	require.Len(t, got.Authorities, 1)
	assert.Equal(t, NameData{Name: "ns1.example.com"}, got.Authorities[0].Data)
}

func TestMarshalCompressesRepeatedNameSuffixes(t *testing.T) {
	resp := &DnsResponse{
		ID:    1,
		Flags: QRFlag,
		Questions: []DnsQuestion{
			{Name: "www.example.com", Type: TypeA, Class: ClassIN},
		},
		Answers: []DnsResourceRecord{
			{Name: "www.example.com", Type: TypeCNAME, Class: ClassIN, TTL: 60, Data: NameData{Name: "edge.example.com"}},
			{Name: "edge.example.com", Type: TypeA, Class: ClassIN, TTL: 60, Data: AData{Addr: [4]byte{9, 9, 9, 9}}},
		},
	}

	uncompressedLen := len("www.example.com") + len("example.com")*3 // rough lower bound if nothing compressed
	wire, err := resp.Marshal()
	require.NoError(t, err)
	assert.Less(t, len(wire), uncompressedLen+HeaderSize+40, "expected suffix compression to shrink the message")

	got, err := DecodeResponse(wire)
	require.NoError(t, err)
	assert.Equal(t, "edge.example.com", got.Answers[0].Data.(NameData).Name)
	assert.Equal(t, "edge.example.com", got.Answers[1].Name)
}

func TestDecodeNameRejectsCompressionLoop(t *testing.T) {
	// Header (12 bytes) then a name at offset 12 pointing at itself.
	msg := make([]byte, 12)
	msg = append(msg, 0xC0, 12)

	off := 12
	_, err := DecodeName(msg, &off)
	require.Error(t, err)
}

func TestDecodeResponseRejectsTruncatedHeader(t *testing.T) {
	_, err := DecodeResponse([]byte{0x00, 0x01})
	require.Error(t, err)
}

func TestDecodeResponseRejectsOversizedMessage(t *testing.T) {
	_, err := DecodeResponse(make([]byte, MaxMessageSize+1))
	require.Error(t, err)
}

func TestDecodeResponseRejectsTooManyRecords(t *testing.T) {
	h := Header{ANCount: MaxRRPerSection + 1}
	msg := make([]byte, HeaderSize)
	h.marshal(msg)
	_, err := DecodeResponse(msg)
	require.Error(t, err)
}

func TestEncodeNameRejectsEmptyLabel(t *testing.T) {
	_, err := EncodeName("foo..bar")
	require.Error(t, err)
}

func TestEncodeNameRejectsOversizeLabel(t *testing.T) {
	big := make([]byte, 64)
	for i := range big {
		big[i] = 'a'
	}
	_, err := EncodeName(string(big) + ".com")
	require.Error(t, err)
}

func TestNormalizeNameLowercasesAndTrimsDot(t *testing.T) {
	assert.Equal(t, "example.com", normalizeName("Example.COM."))
}
