package distproto

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/distr1/builder/internal/digest"
)

// writer accumulates a payload using length-prefixed strings and
// varint integers, matching the squashfs package's "binary.Write each
// field in declared order" style but without fixed-width structs,
// since message shapes vary by opcode.
type writer struct {
	buf bytes.Buffer
}

func (w *writer) uvarint(v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	w.buf.Write(tmp[:n])
}

func (w *writer) str(s string) {
	w.uvarint(uint64(len(s)))
	w.buf.WriteString(s)
}

func (w *writer) strs(ss []string) {
	w.uvarint(uint64(len(ss)))
	for _, s := range ss {
		w.str(s)
	}
}

func (w *writer) digest(d digest.Digest) { w.str(string(d)) }

func (w *writer) bytesField(b []byte) {
	w.uvarint(uint64(len(b)))
	w.buf.Write(b)
}

func (w *writer) bytes() []byte { return w.buf.Bytes() }

// reader is the inverse of writer, over a fixed payload slice.
type reader struct {
	r *bytes.Reader
}

func newReader(payload []byte) *reader { return &reader{r: bytes.NewReader(payload)} }

func (r *reader) uvarint() (uint64, error) {
	return binary.ReadUvarint(r.r)
}

func (r *reader) str() (string, error) {
	n, err := r.uvarint()
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func (r *reader) strs() ([]string, error) {
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	out := make([]string, n)
	for i := range out {
		s, err := r.str()
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

func (r *reader) digest() (digest.Digest, error) {
	s, err := r.str()
	return digest.Digest(s), err
}

func (r *reader) bytesField() ([]byte, error) {
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// InputDigest pairs a sandbox input path with its content digest, the
// wire form of digest.Input.
type InputDigest struct {
	Path   string
	Digest digest.Digest
}

// EnqueueMsg dispatches one action to any idle worker in the pool.
type EnqueueMsg struct {
	ActionID       digest.Digest
	Argv           []string
	EnvKeys        []string
	EnvVals        []string
	InputPaths     []string // sandbox.Spec.Inputs keys, input side loaded lazily via FetchBlob
	InputDigests   []InputDigest
	OutputPaths    []string
	MaxMemoryBytes int64
	MaxCPUSeconds  int64
	MaxWallSeconds int64
}

func (m EnqueueMsg) Marshal() []byte {
	w := &writer{}
	w.digest(m.ActionID)
	w.strs(m.Argv)
	w.strs(m.EnvKeys)
	w.strs(m.EnvVals)
	w.strs(m.InputPaths)
	w.uvarint(uint64(len(m.InputDigests)))
	for _, in := range m.InputDigests {
		w.str(in.Path)
		w.digest(in.Digest)
	}
	w.strs(m.OutputPaths)
	w.uvarint(uint64(m.MaxMemoryBytes))
	w.uvarint(uint64(m.MaxCPUSeconds))
	w.uvarint(uint64(m.MaxWallSeconds))
	return w.bytes()
}

func UnmarshalEnqueue(payload []byte) (EnqueueMsg, error) {
	r := newReader(payload)
	var m EnqueueMsg
	var err error
	if m.ActionID, err = r.digest(); err != nil {
		return m, err
	}
	if m.Argv, err = r.strs(); err != nil {
		return m, err
	}
	if m.EnvKeys, err = r.strs(); err != nil {
		return m, err
	}
	if m.EnvVals, err = r.strs(); err != nil {
		return m, err
	}
	if m.InputPaths, err = r.strs(); err != nil {
		return m, err
	}
	n, err := r.uvarint()
	if err != nil {
		return m, err
	}
	m.InputDigests = make([]InputDigest, n)
	for i := range m.InputDigests {
		if m.InputDigests[i].Path, err = r.str(); err != nil {
			return m, err
		}
		if m.InputDigests[i].Digest, err = r.digest(); err != nil {
			return m, err
		}
	}
	if m.OutputPaths, err = r.strs(); err != nil {
		return m, err
	}
	mem, err := r.uvarint()
	if err != nil {
		return m, err
	}
	cpu, err := r.uvarint()
	if err != nil {
		return m, err
	}
	wall, err := r.uvarint()
	if err != nil {
		return m, err
	}
	m.MaxMemoryBytes, m.MaxCPUSeconds, m.MaxWallSeconds = int64(mem), int64(cpu), int64(wall)
	return m, nil
}

// StealMsg asks a peer worker to hand over queued work.
type StealMsg struct {
	FromWorker string
}

func (m StealMsg) Marshal() []byte {
	w := &writer{}
	w.str(m.FromWorker)
	return w.bytes()
}

func UnmarshalSteal(payload []byte) (StealMsg, error) {
	r := newReader(payload)
	s, err := r.str()
	return StealMsg{FromWorker: s}, err
}

// ResultMsg reports one action's outcome back to the coordinator.
type ResultMsg struct {
	ActionID      digest.Digest
	OutputPaths   []string
	OutputDigests []InputDigest // reused shape: path -> digest
	ExitCode      int32
	StderrDigest  digest.Digest
	WallSeconds   float64
	Failed        bool
	ErrorMessage  string
}

func (m ResultMsg) Marshal() []byte {
	w := &writer{}
	w.digest(m.ActionID)
	w.strs(m.OutputPaths)
	w.uvarint(uint64(len(m.OutputDigests)))
	for _, d := range m.OutputDigests {
		w.str(d.Path)
		w.digest(d.Digest)
	}
	w.uvarint(uint64(int32ToUvarint(m.ExitCode)))
	w.digest(m.StderrDigest)
	w.uvarint(uint64(wallToFixed(m.WallSeconds)))
	if m.Failed {
		w.uvarint(1)
	} else {
		w.uvarint(0)
	}
	w.str(m.ErrorMessage)
	return w.bytes()
}

func UnmarshalResult(payload []byte) (ResultMsg, error) {
	r := newReader(payload)
	var m ResultMsg
	var err error
	if m.ActionID, err = r.digest(); err != nil {
		return m, err
	}
	if m.OutputPaths, err = r.strs(); err != nil {
		return m, err
	}
	n, err := r.uvarint()
	if err != nil {
		return m, err
	}
	m.OutputDigests = make([]InputDigest, n)
	for i := range m.OutputDigests {
		if m.OutputDigests[i].Path, err = r.str(); err != nil {
			return m, err
		}
		if m.OutputDigests[i].Digest, err = r.digest(); err != nil {
			return m, err
		}
	}
	exit, err := r.uvarint()
	if err != nil {
		return m, err
	}
	m.ExitCode = uvarintToInt32(exit)
	if m.StderrDigest, err = r.digest(); err != nil {
		return m, err
	}
	wall, err := r.uvarint()
	if err != nil {
		return m, err
	}
	m.WallSeconds = fixedToWall(wall)
	failed, err := r.uvarint()
	if err != nil {
		return m, err
	}
	m.Failed = failed != 0
	if m.ErrorMessage, err = r.str(); err != nil {
		return m, err
	}
	return m, nil
}

// FetchBlobMsg requests a CAS blob by digest, from either the
// coordinator or a peer — content addressing makes the source
// interchangeable.
type FetchBlobMsg struct {
	Digest digest.Digest
}

func (m FetchBlobMsg) Marshal() []byte {
	w := &writer{}
	w.digest(m.Digest)
	return w.bytes()
}

func UnmarshalFetchBlob(payload []byte) (FetchBlobMsg, error) {
	r := newReader(payload)
	d, err := r.digest()
	return FetchBlobMsg{Digest: d}, err
}

// PutBlobMsg pushes blob content into the addressee's CAS.
type PutBlobMsg struct {
	Digest digest.Digest
	Bytes  []byte
}

func (m PutBlobMsg) Marshal() []byte {
	w := &writer{}
	w.digest(m.Digest)
	w.bytesField(m.Bytes)
	return w.bytes()
}

func UnmarshalPutBlob(payload []byte) (PutBlobMsg, error) {
	r := newReader(payload)
	var m PutBlobMsg
	var err error
	if m.Digest, err = r.digest(); err != nil {
		return m, err
	}
	if m.Bytes, err = r.bytesField(); err != nil {
		return m, err
	}
	return m, nil
}

// HeartbeatMsg is sent by a worker every T seconds to report load.
type HeartbeatMsg struct {
	WorkerID   string
	QueueDepth int32
	Load       float64 // worker-reported load; distworker sends its in-flight action count
}

func (m HeartbeatMsg) Marshal() []byte {
	w := &writer{}
	w.str(m.WorkerID)
	w.uvarint(uint64(int32ToUvarint(m.QueueDepth)))
	w.uvarint(uint64(wallToFixed(m.Load)))
	return w.bytes()
}

func UnmarshalHeartbeat(payload []byte) (HeartbeatMsg, error) {
	r := newReader(payload)
	var m HeartbeatMsg
	var err error
	if m.WorkerID, err = r.str(); err != nil {
		return m, err
	}
	qd, err := r.uvarint()
	if err != nil {
		return m, err
	}
	m.QueueDepth = uvarintToInt32(qd)
	load, err := r.uvarint()
	if err != nil {
		return m, err
	}
	m.Load = fixedToWall(load)
	return m, nil
}

// AbortActionMsg cancels a previously enqueued action; the worker
// acknowledges with Ack or the coordinator abandons it on timeout.
type AbortActionMsg struct {
	ActionID digest.Digest
}

func (m AbortActionMsg) Marshal() []byte {
	w := &writer{}
	w.digest(m.ActionID)
	return w.bytes()
}

func UnmarshalAbortAction(payload []byte) (AbortActionMsg, error) {
	r := newReader(payload)
	d, err := r.digest()
	return AbortActionMsg{ActionID: d}, err
}

// ErrorMsg carries a classified failure back to the peer, mirroring
// errs.Kind so the receiver can react (e.g. ProtocolVersion closes the
// connection, WorkerUnreachable triggers re-enqueue upstream).
type ErrorMsg struct {
	Kind    string
	Message string
}

func (m ErrorMsg) Marshal() []byte {
	w := &writer{}
	w.str(m.Kind)
	w.str(m.Message)
	return w.bytes()
}

func UnmarshalError(payload []byte) (ErrorMsg, error) {
	r := newReader(payload)
	var m ErrorMsg
	var err error
	if m.Kind, err = r.str(); err != nil {
		return m, err
	}
	if m.Message, err = r.str(); err != nil {
		return m, err
	}
	return m, nil
}

// int32ToUvarint and its inverse round-trip a signed 32-bit value
// through the unsigned varint wire encoding via zig-zag, so a negative
// exit status (e.g. a signal-terminated process reported as negative
// by some callers) survives the round trip.
func int32ToUvarint(v int32) uint32 {
	return uint32((v << 1) ^ (v >> 31))
}

func uvarintToInt32(v uint64) int32 {
	u := uint32(v)
	return int32(u>>1) ^ -int32(u&1)
}

// wallToFixed/fixedToWall encode a float64 duration as a fixed-point
// integer with microsecond resolution, avoiding IEEE754 bytes on the
// wire for a value the coordinator only ever compares with tolerance.
func wallToFixed(seconds float64) uint64 {
	if seconds < 0 {
		return 0
	}
	return uint64(seconds * 1e6)
}

func fixedToWall(fixed uint64) float64 {
	return float64(fixed) / 1e6
}
