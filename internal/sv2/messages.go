package sv2

import "fmt"

// Message types
const (
	MsgSetupConnection                  = uint8(0x00)
	MsgSetupConnectionSuccess           = uint8(0x01)
	MsgSetupConnectionError             = uint8(0x02)
	MsgOpenStandardMiningChannel        = uint8(0x10)
	MsgOpenStandardMiningChannelSuccess = uint8(0x11)
	MsgOpenMiningChannelError           = uint8(0x12)
	MsgNewMiningJob                     = uint8(0x15)
	MsgSubmitSharesStandard             = uint8(0x1a)
	MsgSubmitSharesSuccess              = uint8(0x1c)
	MsgSubmitSharesError                = uint8(0x1d)
	MsgSetNewPrevHash                   = uint8(0x20)
	MsgSetTarget                        = uint8(0x21)
)

const (
	ProtocolMining = uint8(0)

	// FlagRequiresStandardJobs is the SetupConnection flag for header-only miners.
	FlagRequiresStandardJobs = uint32(1)
)

// Message is one decoded SV2 message.
type Message interface {
	MsgType() uint8
	encode(w *writer)
}

type SetupConnection struct {
	Protocol        uint8
	MinVersion      uint16
	MaxVersion      uint16
	Flags           uint32
	EndpointHost    string
	EndpointPort    uint16
	Vendor          string
	HardwareVersion string
	Firmware        string
	DeviceID        string
}

type SetupConnectionSuccess struct {
	UsedVersion uint16
	Flags       uint32
}

type SetupConnectionError struct {
	Flags     uint32
	ErrorCode string
}

type OpenStandardMiningChannel struct {
	RequestID       uint32
	UserIdentity    string
	NominalHashRate float32
	MaxTarget       [32]byte
}

type OpenStandardMiningChannelSuccess struct {
	RequestID        uint32
	ChannelID        uint32
	Target           [32]byte
	ExtranoncePrefix []byte
	GroupChannelID   uint32
}

type OpenMiningChannelError struct {
	RequestID uint32
	ErrorCode string
}

// NewMiningJob without MinNTime is a future job.
type NewMiningJob struct {
	ChannelID   uint32
	JobID       uint32
	HasMinNTime bool
	MinNTime    uint32
	Version     uint32
	MerkleRoot  [32]byte
}

type SubmitSharesStandard struct {
	ChannelID      uint32
	SequenceNumber uint32
	JobID          uint32
	Nonce          uint32
	NTime          uint32
	Version        uint32
}

type SubmitSharesSuccess struct {
	ChannelID               uint32
	LastSequenceNumber      uint32
	NewSubmitsAcceptedCount uint32
	NewSharesSum            uint64
}

type SubmitSharesError struct {
	ChannelID      uint32
	SequenceNumber uint32
	ErrorCode      string
}

type SetNewPrevHash struct {
	ChannelID uint32
	JobID     uint32
	PrevHash  [32]byte
	MinNTime  uint32
	NBits     uint32
}

type SetTarget struct {
	ChannelID     uint32
	MaximumTarget [32]byte
}

// Unknown carries any message outside the supported subset.
type Unknown struct {
	Header  Header
	Payload []byte
}

func (*SetupConnection) MsgType() uint8                  { return MsgSetupConnection }
func (*SetupConnectionSuccess) MsgType() uint8           { return MsgSetupConnectionSuccess }
func (*SetupConnectionError) MsgType() uint8             { return MsgSetupConnectionError }
func (*OpenStandardMiningChannel) MsgType() uint8        { return MsgOpenStandardMiningChannel }
func (*OpenStandardMiningChannelSuccess) MsgType() uint8 { return MsgOpenStandardMiningChannelSuccess }
func (*OpenMiningChannelError) MsgType() uint8           { return MsgOpenMiningChannelError }
func (*NewMiningJob) MsgType() uint8                     { return MsgNewMiningJob }
func (*SubmitSharesStandard) MsgType() uint8             { return MsgSubmitSharesStandard }
func (*SubmitSharesSuccess) MsgType() uint8              { return MsgSubmitSharesSuccess }
func (*SubmitSharesError) MsgType() uint8                { return MsgSubmitSharesError }
func (*SetNewPrevHash) MsgType() uint8                   { return MsgSetNewPrevHash }
func (*SetTarget) MsgType() uint8                        { return MsgSetTarget }
func (u *Unknown) MsgType() uint8                        { return u.Header.MsgType }

func (m *SetupConnection) encode(w *writer) {
	w.u8(m.Protocol)
	w.u16(m.MinVersion)
	w.u16(m.MaxVersion)
	w.u32(m.Flags)
	w.str0255("endpoint_host", m.EndpointHost)
	w.u16(m.EndpointPort)
	w.str0255("vendor", m.Vendor)
	w.str0255("hardware_version", m.HardwareVersion)
	w.str0255("firmware", m.Firmware)
	w.str0255("device_id", m.DeviceID)
}

func (m *SetupConnectionSuccess) encode(w *writer) {
	w.u16(m.UsedVersion)
	w.u32(m.Flags)
}

func (m *SetupConnectionError) encode(w *writer) {
	w.u32(m.Flags)
	w.str0255("error_code", m.ErrorCode)
}

func (m *OpenStandardMiningChannel) encode(w *writer) {
	w.u32(m.RequestID)
	w.str0255("user_identity", m.UserIdentity)
	w.f32(m.NominalHashRate)
	w.u256(m.MaxTarget)
}

func (m *OpenStandardMiningChannelSuccess) encode(w *writer) {
	w.u32(m.RequestID)
	w.u32(m.ChannelID)
	w.u256(m.Target)
	w.b032("extranonce_prefix", m.ExtranoncePrefix)
	w.u32(m.GroupChannelID)
}

func (m *OpenMiningChannelError) encode(w *writer) {
	w.u32(m.RequestID)
	w.str0255("error_code", m.ErrorCode)
}

func (m *NewMiningJob) encode(w *writer) {
	w.u32(m.ChannelID)
	w.u32(m.JobID)
	w.optionU32(m.HasMinNTime, m.MinNTime)
	w.u32(m.Version)
	w.u256(m.MerkleRoot)
}

func (m *SubmitSharesStandard) encode(w *writer) {
	w.u32(m.ChannelID)
	w.u32(m.SequenceNumber)
	w.u32(m.JobID)
	w.u32(m.Nonce)
	w.u32(m.NTime)
	w.u32(m.Version)
}

func (m *SubmitSharesSuccess) encode(w *writer) {
	w.u32(m.ChannelID)
	w.u32(m.LastSequenceNumber)
	w.u32(m.NewSubmitsAcceptedCount)
	w.u64(m.NewSharesSum)
}

func (m *SubmitSharesError) encode(w *writer) {
	w.u32(m.ChannelID)
	w.u32(m.SequenceNumber)
	w.str0255("error_code", m.ErrorCode)
}

func (m *SetNewPrevHash) encode(w *writer) {
	w.u32(m.ChannelID)
	w.u32(m.JobID)
	w.u256(m.PrevHash)
	w.u32(m.MinNTime)
	w.u32(m.NBits)
}

func (m *SetTarget) encode(w *writer) {
	w.u32(m.ChannelID)
	w.u256(m.MaximumTarget)
}

func (m *Unknown) encode(w *writer) {
	w.buf = append(w.buf, m.Payload...)
}

// IsChannelMessage reports whether msgType travels with the channel bit set.
func IsChannelMessage(msgType uint8) bool {
	switch msgType {
	case MsgNewMiningJob, MsgSubmitSharesStandard, MsgSubmitSharesSuccess,
		MsgSubmitSharesError, MsgSetNewPrevHash, MsgSetTarget:
		return true
	}
	return false
}

// Encode serializes m as a complete plaintext frame.
func Encode(m Message) ([]byte, error) {
	w := &writer{}
	m.encode(w)
	if w.err != nil {
		return nil, w.err
	}
	ext := CoreExtensionType
	if u, ok := m.(*Unknown); ok {
		ext = u.Header.ExtensionType
	} else if IsChannelMessage(m.MsgType()) {
		ext |= ChannelMsgBit
	}
	return EncodeFrame(ext, m.MsgType(), w.buf)
}

// Decode parses a complete plaintext frame. Frames outside the supported
// subset come back as *Unknown.
func Decode(frame []byte) (Message, error) {
	h, payload, err := DecodeFrame(frame)
	if err != nil {
		return nil, err
	}
	return DecodePayload(h, payload)
}

func DecodePayload(h Header, payload []byte) (Message, error) {
	if h.BaseExtensionType() != CoreExtensionType {
		return &Unknown{Header: h, Payload: payload}, nil
	}
	r := &reader{buf: payload}
	var m Message
	switch h.MsgType {
	case MsgSetupConnection:
		m = &SetupConnection{
			Protocol:        r.u8(),
			MinVersion:      r.u16(),
			MaxVersion:      r.u16(),
			Flags:           r.u32(),
			EndpointHost:    r.str0255(),
			EndpointPort:    r.u16(),
			Vendor:          r.str0255(),
			HardwareVersion: r.str0255(),
			Firmware:        r.str0255(),
			DeviceID:        r.str0255(),
		}
	case MsgSetupConnectionSuccess:
		m = &SetupConnectionSuccess{UsedVersion: r.u16(), Flags: r.u32()}
	case MsgSetupConnectionError:
		m = &SetupConnectionError{Flags: r.u32(), ErrorCode: r.str0255()}
	case MsgOpenStandardMiningChannel:
		m = &OpenStandardMiningChannel{
			RequestID:       r.u32(),
			UserIdentity:    r.str0255(),
			NominalHashRate: r.f32(),
			MaxTarget:       r.u256(),
		}
	case MsgOpenStandardMiningChannelSuccess:
		m = &OpenStandardMiningChannelSuccess{
			RequestID:        r.u32(),
			ChannelID:        r.u32(),
			Target:           r.u256(),
			ExtranoncePrefix: r.b032(),
			GroupChannelID:   r.u32(),
		}
	case MsgOpenMiningChannelError:
		m = &OpenMiningChannelError{RequestID: r.u32(), ErrorCode: r.str0255()}
	case MsgNewMiningJob:
		job := &NewMiningJob{ChannelID: r.u32(), JobID: r.u32()}
		job.HasMinNTime, job.MinNTime = r.optionU32()
		job.Version = r.u32()
		job.MerkleRoot = r.u256()
		m = job
	case MsgSubmitSharesStandard:
		m = &SubmitSharesStandard{
			ChannelID:      r.u32(),
			SequenceNumber: r.u32(),
			JobID:          r.u32(),
			Nonce:          r.u32(),
			NTime:          r.u32(),
			Version:        r.u32(),
		}
	case MsgSubmitSharesSuccess:
		m = &SubmitSharesSuccess{
			ChannelID:               r.u32(),
			LastSequenceNumber:      r.u32(),
			NewSubmitsAcceptedCount: r.u32(),
			NewSharesSum:            r.u64(),
		}
	case MsgSubmitSharesError:
		m = &SubmitSharesError{ChannelID: r.u32(), SequenceNumber: r.u32(), ErrorCode: r.str0255()}
	case MsgSetNewPrevHash:
		m = &SetNewPrevHash{
			ChannelID: r.u32(),
			JobID:     r.u32(),
			PrevHash:  r.u256(),
			MinNTime:  r.u32(),
			NBits:     r.u32(),
		}
	case MsgSetTarget:
		m = &SetTarget{ChannelID: r.u32(), MaximumTarget: r.u256()}
	default:
		return &Unknown{Header: h, Payload: payload}, nil
	}
	if err := r.done(Name(h.MsgType)); err != nil {
		return nil, err
	}
	return m, nil
}

// Name returns a readable message name for logs.
func Name(msgType uint8) string {
	switch msgType {
	case MsgSetupConnection:
		return "SetupConnection"
	case MsgSetupConnectionSuccess:
		return "SetupConnection.Success"
	case MsgSetupConnectionError:
		return "SetupConnection.Error"
	case MsgOpenStandardMiningChannel:
		return "OpenStandardMiningChannel"
	case MsgOpenStandardMiningChannelSuccess:
		return "OpenStandardMiningChannel.Success"
	case MsgOpenMiningChannelError:
		return "OpenMiningChannel.Error"
	case MsgNewMiningJob:
		return "NewMiningJob"
	case MsgSubmitSharesStandard:
		return "SubmitSharesStandard"
	case MsgSubmitSharesSuccess:
		return "SubmitShares.Success"
	case MsgSubmitSharesError:
		return "SubmitShares.Error"
	case MsgSetNewPrevHash:
		return "SetNewPrevHash"
	case MsgSetTarget:
		return "SetTarget"
	}
	return fmt.Sprintf("0x%02x", msgType)
}
