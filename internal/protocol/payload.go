package protocol

import (
	"encoding/json"
	"fmt"
)

// Kind identifies a gossip payload variant.
type Kind string

const (
	KindPeerIntroduction  Kind = "peer_introduction"
	KindSendInitiation    Kind = "send_initiation"
	KindSyncCancel        Kind = "sync_cancel"
	KindFileUpdate        Kind = "file_update"
	KindRequestGardens    Kind = "request_gardens"
	KindGardenZipChunk    Kind = "garden_zip_chunk"
	KindGardenZipComplete Kind = "garden_zip_complete"
	KindFullSyncComplete  Kind = "full_sync_complete"

	// Live-sync control and document traffic
	KindLiveAnnounce        Kind = "live_announce"
	KindLiveAnnounceReply   Kind = "live_announce_reply"
	KindLiveSessionInfo     Kind = "live_session_info"
	KindLiveSessionStart    Kind = "live_session_start"
	KindLiveRequestDocState Kind = "live_request_doc_state"
	KindLiveDocState        Kind = "live_doc_state"
	KindLiveDocUpdate       Kind = "live_doc_update"
	KindLiveDisable         Kind = "live_disable"
)

// Payload is the sum type of everything carried inside a gossip Envelope.
// Each variant is a struct in this file; DecodePayload maps a kind tag back
// to its variant and returns Unknown for tags it does not recognize.
type Payload interface {
	Kind() Kind
}

// Envelope wraps a payload for gossip delivery. MessageID is assigned once
// at the point of origin and preserved across relay hops.
type Envelope struct {
	MessageID string          `json:"messageId"`
	Payload   json.RawMessage `json:"payload"`
	NoGossip  bool            `json:"noGossip,omitempty"`
}

// PeerInfo describes a peer in introductions and live-sync announcements.
type PeerInfo struct {
	ID      string   `json:"id"`
	Name    string   `json:"name,omitempty"`
	Gardens []string `json:"gardens,omitempty"`
}

type PeerIntroduction struct {
	Peer PeerInfo `json:"peer"`
}

type SendInitiation struct {
	TransferID string   `json:"transferId"`
	Gardens    []string `json:"gardens"`
}

type SyncCancel struct {
	TransferID string `json:"transferId"`
}

// FileUpdate carries a whole-file change. Conflicts resolve last writer
// wins by ModTime (unix milliseconds).
// MaxFileUpdateSize bounds FileUpdate.Content. Base64 inflates it by a
// third, and the encoded frame must stay well under a direct transport's
// read limit. Larger files travel by full sync.
const MaxFileUpdateSize = 4 << 20

type FileUpdate struct {
	GardenName string `json:"gardenName"`
	Path       string `json:"path"`
	Content    []byte `json:"content,omitempty"`
	Deleted    bool   `json:"deleted,omitempty"`
	ModTime    int64  `json:"modTime"`
}

type RequestGardens struct {
	Gardens []string `json:"gardens"`
}

// GardenZipChunk is one fixed-size slice of a garden snapshot bundle.
// ChunkIndex is absolute within the bundle.
type GardenZipChunk struct {
	TransferID  string `json:"transferId"`
	GardenName  string `json:"gardenName"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
	Data        []byte `json:"data"`
	TotalSize   int64  `json:"totalSize"`
}

const (
	// ChunkSize is the payload size of every garden chunk but the last.
	ChunkSize = 64 << 10

	// MaxBundleSize bounds one garden snapshot bundle.
	MaxBundleSize = 1 << 30
)

// ChunkCount returns the number of chunks a bundle of size bytes needs. An
// empty bundle still takes one chunk.
func ChunkCount(size int64) int {
	if size <= 0 {
		return 1
	}
	return int((size + ChunkSize - 1) / ChunkSize)
}

type GardenZipComplete struct {
	TransferID string `json:"transferId"`
	GardenName string `json:"gardenName"`
}

type FullSyncComplete struct {
	TransferID string `json:"transferId"`
}

type LiveAnnounce struct {
	Peer PeerInfo `json:"peer"`
}

type LiveAnnounceReply struct {
	Peer PeerInfo `json:"peer"`
}

type LiveSessionInfo struct {
	HostID          string   `json:"hostId"`
	SyncableGardens []string `json:"syncableGardens"`
}

type LiveSessionStart struct {
	HostID          string   `json:"hostId"`
	SyncableGardens []string `json:"syncableGardens"`
}

// LiveRequestDocState asks the host for a document. Requester is the
// origin, since gossip only reveals the neighbor that delivered it.
type LiveRequestDocState struct {
	Requester  string `json:"requester"`
	GardenName string `json:"gardenName"`
	Path       string `json:"path"`
}

type LiveDocState struct {
	GardenName string `json:"gardenName"`
	Path       string `json:"path"`
	State      []byte `json:"state"`
}

type LiveDocUpdate struct {
	GardenName string `json:"gardenName"`
	Path       string `json:"path"`
	Update     []byte `json:"update"`
}

type LiveDisable struct {
	PeerID string `json:"peerId"`
}

// Unknown is returned for payload kinds this build does not understand.
// Handlers treat it as a no-op.
type Unknown struct {
	Type Kind
}

func (PeerIntroduction) Kind() Kind    { return KindPeerIntroduction }
func (SendInitiation) Kind() Kind      { return KindSendInitiation }
func (SyncCancel) Kind() Kind          { return KindSyncCancel }
func (FileUpdate) Kind() Kind          { return KindFileUpdate }
func (RequestGardens) Kind() Kind      { return KindRequestGardens }
func (GardenZipChunk) Kind() Kind      { return KindGardenZipChunk }
func (GardenZipComplete) Kind() Kind   { return KindGardenZipComplete }
func (FullSyncComplete) Kind() Kind    { return KindFullSyncComplete }
func (LiveAnnounce) Kind() Kind        { return KindLiveAnnounce }
func (LiveAnnounceReply) Kind() Kind   { return KindLiveAnnounceReply }
func (LiveSessionInfo) Kind() Kind     { return KindLiveSessionInfo }
func (LiveSessionStart) Kind() Kind    { return KindLiveSessionStart }
func (LiveRequestDocState) Kind() Kind { return KindLiveRequestDocState }
func (LiveDocState) Kind() Kind        { return KindLiveDocState }
func (LiveDocUpdate) Kind() Kind       { return KindLiveDocUpdate }
func (LiveDisable) Kind() Kind         { return KindLiveDisable }
func (u Unknown) Kind() Kind           { return u.Type }

// EncodePayload marshals p as a JSON object with a "type" tag alongside
// the variant's own fields.
func EncodePayload(p Payload) (json.RawMessage, error) {
	if _, ok := p.(Unknown); ok {
		return nil, fmt.Errorf("cannot encode unknown payload kind %q", p.Kind())
	}

	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", p.Kind(), err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("failed to re-read %s payload: %w", p.Kind(), err)
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage)
	}
	tag, _ := json.Marshal(p.Kind())
	fields["type"] = tag

	return json.Marshal(fields)
}

// DecodePayload reads the "type" tag of raw and unmarshals the matching
// variant. Unrecognized tags yield Unknown and no error.
func DecodePayload(raw json.RawMessage) (Payload, error) {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}
	if head.Type == "" {
		return nil, fmt.Errorf("malformed payload: missing type")
	}

	var p Payload
	switch head.Type {
	case KindPeerIntroduction:
		p = decodeAs[PeerIntroduction](raw)
	case KindSendInitiation:
		p = decodeAs[SendInitiation](raw)
	case KindSyncCancel:
		p = decodeAs[SyncCancel](raw)
	case KindFileUpdate:
		p = decodeAs[FileUpdate](raw)
	case KindRequestGardens:
		p = decodeAs[RequestGardens](raw)
	case KindGardenZipChunk:
		p = decodeAs[GardenZipChunk](raw)
	case KindGardenZipComplete:
		p = decodeAs[GardenZipComplete](raw)
	case KindFullSyncComplete:
		p = decodeAs[FullSyncComplete](raw)
	case KindLiveAnnounce:
		p = decodeAs[LiveAnnounce](raw)
	case KindLiveAnnounceReply:
		p = decodeAs[LiveAnnounceReply](raw)
	case KindLiveSessionInfo:
		p = decodeAs[LiveSessionInfo](raw)
	case KindLiveSessionStart:
		p = decodeAs[LiveSessionStart](raw)
	case KindLiveRequestDocState:
		p = decodeAs[LiveRequestDocState](raw)
	case KindLiveDocState:
		p = decodeAs[LiveDocState](raw)
	case KindLiveDocUpdate:
		p = decodeAs[LiveDocUpdate](raw)
	case KindLiveDisable:
		p = decodeAs[LiveDisable](raw)
	default:
		return Unknown{Type: head.Type}, nil
	}

	if d, ok := p.(decodeFailure); ok {
		return nil, fmt.Errorf("malformed %s payload: %w", head.Type, d.err)
	}
	return p, nil
}

type decodeFailure struct{ err error }

func (decodeFailure) Kind() Kind { return "" }

func decodeAs[T Payload](raw json.RawMessage) Payload {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return decodeFailure{err: err}
	}
	return v
}
