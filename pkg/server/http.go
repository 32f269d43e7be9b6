package server

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/relves/dyadcast/internal/storage/sqlite"
	"github.com/relves/dyadcast/pkg/decoder"
	"github.com/relves/dyadcast/pkg/headend"
	"github.com/relves/dyadcast/pkg/kdf"
)

// maxBodySize fits a packet carrying a MaxFrameSize frame.
const maxBodySize = 8 << 20

// HTTPHandler serves the head-end API and, when configured with a secret
// and store manager, emulated decoders addressed by device ID.
type HTTPHandler struct {
	service      *headend.Service
	storeManager *sqlite.StoreManager
	secret       kdf.Secret
	did          string
	validator    RequestValidator
	cacheSize    int
	logger       *slog.Logger

	mu       sync.Mutex
	decoders map[uint32]*decoder.Decoder
}

func NewHTTPHandler(opts ...Option) (*HTTPHandler, error) {
	cfg := applyOptions(opts...)
	if cfg.Service == nil {
		return nil, errors.New("server: head-end service is required")
	}

	h := &HTTPHandler{
		service:      cfg.Service,
		storeManager: cfg.StoreManager,
		secret:       cfg.Secret,
		validator:    cfg.Validator,
		cacheSize:    cfg.CacheSize,
		logger:       cfg.Logger,
		decoders:     make(map[uint32]*decoder.Decoder),
	}
	if cfg.Identity != nil {
		h.did = cfg.Identity.DID().String()
	}
	return h, nil
}

// Register adds the API routes to mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /info", h.HandleInfo)
	mux.HandleFunc("POST /subscriptions", h.HandleIssueSubscription)
	mux.HandleFunc("POST /frames", h.HandleEncodeFrame)
	mux.HandleFunc("GET /ledger/head", h.HandleLedgerHead)
	mux.HandleFunc("GET /ledger/{cid}", h.HandleLedgerLookup)

	if h.storeManager != nil && h.secret != nil {
		mux.HandleFunc("POST /decoders/{deviceID}/subscribe", h.HandleDecoderSubscribe)
		mux.HandleFunc("POST /decoders/{deviceID}/decode", h.HandleDecoderDecode)
		mux.HandleFunc("GET /decoders/{deviceID}/subscriptions", h.HandleDecoderList)
	}
}

type InfoResponse struct {
	DID        string            `json:"did,omitempty"`
	SigningKey string            `json:"signing_key"`
	KeyID      uint32            `json:"key_id"`
	KeyName    string            `json:"key_name"`
	Channels   []headend.Channel `json:"channels"`
}

// HandleInfo handles GET /info.
func (h *HTTPHandler) HandleInfo(w http.ResponseWriter, r *http.Request) {
	signer := h.service.Signer()
	writeJSON(w, http.StatusOK, InfoResponse{
		DID:        h.did,
		SigningKey: hex.EncodeToString(signer.PublicKey()),
		KeyID:      signer.KeyID(),
		KeyName:    signer.Name(),
		Channels:   h.service.Channels(),
	})
}

type SubscriptionRequest struct {
	DeviceID uint32 `json:"device_id"`
	Channel  uint8  `json:"channel"`
	Start    uint64 `json:"start"`
	End      uint64 `json:"end"`
}

type SubscriptionResponse struct {
	CID     string `json:"cid"`
	Index   uint64 `json:"index"`
	Root    string `json:"root"`
	Blocks  int    `json:"blocks"`
	Package []byte `json:"package"`
}

// HandleIssueSubscription handles POST /subscriptions.
func (h *HTTPHandler) HandleIssueSubscription(w http.ResponseWriter, r *http.Request) {
	var req SubscriptionRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	if h.validator != nil {
		if err := h.validator.ValidateIssue(r.Context(), req); err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				writeJSON(w, http.StatusForbidden, verr)
				return
			}
			h.writeError(w, "validate request", err)
			return
		}
	}

	issued, err := h.service.IssueSubscription(r.Context(), req.DeviceID, req.Channel, req.Start, req.End)
	if err != nil {
		h.writeError(w, "issue subscription", err)
		return
	}
	writeJSON(w, http.StatusOK, SubscriptionResponse{
		CID:     issued.CID,
		Index:   issued.Index,
		Root:    hex.EncodeToString(issued.Root),
		Blocks:  issued.Blocks,
		Package: issued.Package,
	})
}

type FrameRequest struct {
	Channel   uint8    `json:"channel"`
	Timestamp uint64   `json:"timestamp"`
	DeviceIDs []uint32 `json:"device_ids"`
	Frame     []byte   `json:"frame"`
}

type Packet struct {
	DeviceID uint32 `json:"device_id"`
	CID      string `json:"cid"`
	Data     []byte `json:"data"`
}

type FrameResponse struct {
	Packets []Packet `json:"packets"`
}

// HandleEncodeFrame handles POST /frames.
func (h *HTTPHandler) HandleEncodeFrame(w http.ResponseWriter, r *http.Request) {
	var req FrameRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	packets, err := h.service.EncodeFrame(r.Context(), req.Channel, req.Timestamp, req.DeviceIDs, req.Frame)
	if err != nil {
		h.writeError(w, "encode frame", err)
		return
	}
	resp := FrameResponse{Packets: make([]Packet, len(packets))}
	for i, p := range packets {
		resp.Packets[i] = Packet{DeviceID: p.DeviceID, CID: p.CID, Data: p.Data}
	}
	writeJSON(w, http.StatusOK, resp)
}

type HeadResponse struct {
	Size uint64 `json:"size"`
	Root string `json:"root"`
}

// HandleLedgerHead handles GET /ledger/head.
func (h *HTTPHandler) HandleLedgerHead(w http.ResponseWriter, r *http.Request) {
	head := h.service.Head()
	writeJSON(w, http.StatusOK, HeadResponse{Size: head.Size, Root: hex.EncodeToString(head.Root)})
}

type IssuanceResponse struct {
	Index    uint64 `json:"index"`
	CID      string `json:"cid"`
	DeviceID uint32 `json:"device_id"`
	Channel  uint8  `json:"channel"`
	Start    uint64 `json:"start"`
	End      uint64 `json:"end"`
	Blocks   int    `json:"blocks"`
}

// HandleLedgerLookup handles GET /ledger/{cid}.
func (h *HTTPHandler) HandleLedgerLookup(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.Lookup(r.Context(), r.PathValue("cid"))
	if err != nil {
		h.writeError(w, "lookup issuance", err)
		return
	}
	writeJSON(w, http.StatusOK, IssuanceResponse{
		Index:    rec.Index,
		CID:      rec.CID,
		DeviceID: rec.Header.DeviceID,
		Channel:  rec.Header.Channel,
		Start:    rec.Header.Start,
		End:      rec.Header.End,
		Blocks:   rec.Blocks,
	})
}

// HandleDecoderSubscribe handles POST /decoders/{deviceID}/subscribe with a
// raw subscription package as body.
func (h *HTTPHandler) HandleDecoderSubscribe(w http.ResponseWriter, r *http.Request) {
	dec, ok := h.decoderFor(w, r)
	if !ok {
		return
	}
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	hdr, err := dec.Subscribe(r.Context(), body)
	if err != nil {
		h.writeError(w, "subscribe", err)
		return
	}
	writeJSON(w, http.StatusOK, decoder.ChannelInfo{Channel: hdr.Channel, Start: hdr.Start, End: hdr.End})
}

// HandleDecoderDecode handles POST /decoders/{deviceID}/decode with a raw
// packet as body. The decoded frame is returned as the response body.
func (h *HTTPHandler) HandleDecoderDecode(w http.ResponseWriter, r *http.Request) {
	dec, ok := h.decoderFor(w, r)
	if !ok {
		return
	}
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	plain, err := dec.Decode(r.Context(), body)
	if err != nil {
		h.writeError(w, "decode", err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(plain)
}

// HandleDecoderList handles GET /decoders/{deviceID}/subscriptions.
func (h *HTTPHandler) HandleDecoderList(w http.ResponseWriter, r *http.Request) {
	dec, ok := h.decoderFor(w, r)
	if !ok {
		return
	}
	list, err := dec.List(r.Context())
	if err != nil {
		h.writeError(w, "list subscriptions", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// decoderFor returns the emulated decoder for the deviceID path value,
// provisioning it on first use.
func (h *HTTPHandler) decoderFor(w http.ResponseWriter, r *http.Request) (*decoder.Decoder, bool) {
	raw := r.PathValue("deviceID")
	id, err := strconv.ParseUint(raw, 0, 32)
	if err != nil {
		http.Error(w, "invalid deviceID", http.StatusBadRequest)
		return nil, false
	}
	deviceID := uint32(id)

	h.mu.Lock()
	defer h.mu.Unlock()
	if dec, ok := h.decoders[deviceID]; ok {
		return dec, true
	}

	dec, err := h.newDecoder(r, deviceID)
	if err != nil {
		h.logger.Error("failed to create decoder", "deviceID", deviceID, "error", err)
		http.Error(w, "failed to create decoder", http.StatusInternalServerError)
		return nil, false
	}
	h.decoders[deviceID] = dec
	return dec, true
}

func (h *HTTPHandler) newDecoder(r *http.Request, deviceID uint32) (*decoder.Decoder, error) {
	store, err := h.storeManager.DecoderStore(deviceID)
	if err != nil {
		return nil, err
	}
	deviceKey, err := kdf.DeviceKey(h.secret, deviceID)
	if err != nil {
		return nil, err
	}
	dec, err := decoder.New(decoder.Config{
		DeviceID:  deviceID,
		DeviceKey: deviceKey,
		Store:     store,
		Verifier:  h.service.Signer().PublicKey(),
		CacheSize: h.cacheSize,
		Logger:    h.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Provision(r.Context(), h.secret); err != nil {
		return nil, err
	}
	return dec, nil
}

func (h *HTTPHandler) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (h *HTTPHandler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusRequestEntityTooLarge)
		return nil, false
	}
	return body, true
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "op", op, "error", err)
		http.Error(w, op+" failed", status)
		return
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
