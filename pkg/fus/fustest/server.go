// Package fustest provides an in-process FUS service for tests
package fustest

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"hash/crc32"
	"io"
	"math/big"
	mrand "math/rand"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/blacktop/fusdl/pkg/fus"
	"github.com/blacktop/fusdl/pkg/fwcrypt"
)

const (
	// FixedKey is the fixed signing key the test service uses
	FixedKey = "abcdefghijklmnopqrstuvwxyz012345"
	// FlexibleKeySuffix is the flexible key suffix the test service uses
	FlexibleKeySuffix = "ABCDEFGHIJKLMNOP"

	nonceAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

var signatureRE = regexp.MustCompile(`signature="([^"]*)"`)

// Firmware is an archive published by the test service
type Firmware struct {
	Model     string
	Region    string
	Version   string
	Filename  string
	Path      string
	Tag       fus.VersionTag
	Plaintext []byte
	// LogicValue is the LOGIC_VALUE_FACTORY V4 archives are keyed with
	LogicValue string
}

// NewFirmware creates a firmware archive of size bytes of pseudo random content
func NewFirmware(model, region, version string, tag fus.VersionTag, size int) *Firmware {
	if size%16 != 0 {
		panic("fustest: firmware size must be a multiple of 16")
	}
	nv, err := fus.NormalizeVersion(version)
	if err != nil {
		panic(err)
	}
	rnd := mrand.New(mrand.NewSource(int64(size)))
	plain := make([]byte, size)
	rnd.Read(plain)
	logic := make([]byte, 16)
	for i := range logic {
		logic[i] = nonceAlphabet[rnd.Intn(len(nonceAlphabet))]
	}
	pda := strings.SplitN(nv, "/", 2)[0]
	return &Firmware{
		Model:     model,
		Region:    region,
		Version:   nv,
		Filename:  fmt.Sprintf("%s_1_20240101000000_abcdefghij_fac.zip%s", pda, tag.Extension()),
		Path:      "/neofus/9/",
		Tag:       tag,
		Plaintext: plain,

		LogicValue: string(logic),
	}
}

// Key is the container key of the archive
func (f *Firmware) Key() fwcrypt.DecryptionKey {
	key, err := fwcrypt.DeriveKey(f.Tag, f.Query(), f.LogicValue)
	if err != nil {
		panic(err)
	}
	return key
}

// Ciphertext is the archive as the service stores it
func (f *Firmware) Ciphertext() []byte {
	ct, err := fwcrypt.Encrypt(f.Key(), f.Plaintext)
	if err != nil {
		panic(err)
	}
	return ct
}

// CRC is the checksum the service advertises for the archive. It covers the
// encrypted container, not the decrypted payload.
func (f *Firmware) CRC() uint32 {
	return crc32.ChecksumIEEE(f.Ciphertext())
}

// Query returns the device query resolving to f
func (f *Firmware) Query() fus.DeviceQuery {
	return fus.DeviceQuery{Model: f.Model, Region: f.Region, Version: f.Version}
}

type session struct {
	nonce string
}

// Server is a FUS service double. It signs and checks sessions the way the
// real service does and serves archives over ranged requests.
type Server struct {
	*httptest.Server

	// RotateNonce makes every authenticated exchange issue a new nonce
	RotateNonce bool
	// BeforeDownload is called before each archive range is served
	BeforeDownload func(r *http.Request)

	keys *fus.Keys

	mu         sync.Mutex
	sessions   map[string]*session
	firmware   []*Firmware
	handshakes int
	downloads  int
	drops      int
	corrupt    map[int64]bool
	cache      map[string][]byte
}

// NewServer starts a test service publishing fw
func NewServer(fw ...*Firmware) *Server {
	keys, err := fus.NewKeys(FixedKey, FlexibleKeySuffix)
	if err != nil {
		panic(err)
	}
	s := &Server{
		keys:     keys,
		sessions: make(map[string]*session),
		firmware: fw,
		corrupt:  make(map[int64]bool),
		cache:    make(map[string][]byte),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/NF_DownloadGenerateNonce.do", s.handleNonce)
	mux.HandleFunc("/NF_DownloadBinaryInform.do", s.handleInform)
	mux.HandleFunc("/NF_DownloadBinaryInitForMass.do", s.handleInit)
	mux.HandleFunc("/NF_DownloadBinaryForMass.do", s.handleDownload)
	mux.HandleFunc("/firmware/", s.handleVersions)
	s.Server = httptest.NewServer(mux)
	return s
}

// Keys returns the signing keys clients must use
func (s *Server) Keys() *fus.Keys {
	return s.keys
}

// TransportConfig points a client transport at the server
func (s *Server) TransportConfig() *fus.TransportConfig {
	return &fus.TransportConfig{
		ServiceURL:  s.URL,
		DownloadURL: s.URL,
		VersionURL:  s.URL + "/firmware",
		Timeout:     30 * time.Second,
	}
}

// ExpireSessions invalidates every session issued so far
func (s *Server) ExpireSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]*session)
}

// Handshakes is the number of nonces issued
func (s *Server) Handshakes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakes
}

// Downloads is the number of archive range requests served
func (s *Server) Downloads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downloads
}

// DropDownloads makes the next n archive requests fail mid-body
func (s *Server) DropDownloads(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drops = n
}

// CorruptByte flips the ciphertext byte at offset in every archive served
func (s *Server) CorruptByte(offset int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corrupt[offset] = true
	s.cache = make(map[string][]byte)
}

func newNonce() string {
	b := make([]byte, fus.NonceSize)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(nonceAlphabet))))
		if err != nil {
			panic(err)
		}
		b[i] = nonceAlphabet[n.Int64()]
	}
	return string(b)
}

func (s *Server) issueNonce(w http.ResponseWriter, sess *session) {
	sess.nonce = newNonce()
	enc, err := s.keys.EncodeNonce(sess.nonce)
	if err != nil {
		panic(err)
	}
	w.Header().Set("NONCE", enc)
}

func (s *Server) handleNonce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := make([]byte, 16)
	rand.Read(id)
	cookie := hex.EncodeToString(id)

	s.mu.Lock()
	sess := &session{}
	s.sessions[cookie] = sess
	s.handshakes++
	s.issueNonce(w, sess)
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: cookie})
	w.WriteHeader(http.StatusOK)
}

// authenticate returns the session of r if its signature is valid. The
// caller must hold s.mu.
func (s *Server) authenticate(r *http.Request) (*session, bool) {
	c, err := r.Cookie("JSESSIONID")
	if err != nil {
		return nil, false
	}
	sess, ok := s.sessions[c.Value]
	if !ok {
		return nil, false
	}
	m := signatureRE.FindStringSubmatch(r.Header.Get("Authorization"))
	if m == nil {
		return nil, false
	}
	want, err := s.keys.Sign(sess.nonce)
	if err != nil || m[1] != want {
		return nil, false
	}
	return sess, true
}

type field struct {
	XMLName xml.Name
	Data    string `xml:"Data"`
}

type request struct {
	Body struct {
		Put struct {
			Fields []field `xml:",any"`
		} `xml:"Put"`
	} `xml:"FUSBody"`
}

func (q *request) field(name string) string {
	for _, f := range q.Body.Put.Fields {
		if f.XMLName.Local == name {
			return f.Data
		}
	}
	return ""
}

func writeReply(w http.ResponseWriter, status int, latest string, fields ...[2]string) {
	var b bytes.Buffer
	b.WriteString("<FUSMsg><FUSHdr><ProtoVer>1.0</ProtoVer></FUSHdr><FUSBody>")
	fmt.Fprintf(&b, "<Results><Status>%d</Status>", status)
	if latest != "" {
		b.WriteString("<LATEST_FW_VERSION><Data>")
		xml.EscapeText(&b, []byte(latest))
		b.WriteString("</Data></LATEST_FW_VERSION>")
	}
	b.WriteString("</Results><Put>")
	for _, f := range fields {
		fmt.Fprintf(&b, "<%s><Data>", f[0])
		xml.EscapeText(&b, []byte(f[1]))
		fmt.Fprintf(&b, "</Data></%s>", f[0])
	}
	b.WriteString("</Put></FUSBody></FUSMsg>")
	w.Header().Set("Content-Type", "text/xml")
	w.Write(b.Bytes())
}

// exchange authenticates and decodes a FUS message. The caller must hold s.mu.
func (s *Server) exchange(w http.ResponseWriter, r *http.Request) (*session, *request, bool) {
	sess, ok := s.authenticate(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil, nil, false
	}
	var q request
	if err := xml.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&q); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return nil, nil, false
	}
	return sess, &q, true
}

func (s *Server) lookup(model, region, version string) *Firmware {
	for _, fw := range s.firmware {
		if strings.EqualFold(fw.Model, model) && strings.EqualFold(fw.Region, region) && fw.Version == version {
			return fw
		}
	}
	return nil
}

func (s *Server) handleInform(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, q, ok := s.exchange(w, r)
	if !ok {
		return
	}
	version := q.field("DEVICE_FW_VERSION")
	if check, err := fus.LogicCheck(version, sess.nonce); err != nil || check != q.field("LOGIC_CHECK") {
		writeReply(w, 408, "")
		return
	}
	fw := s.lookup(q.field("DEVICE_MODEL_NAME"), q.field("DEVICE_LOCAL_CODE"), version)
	if fw == nil {
		writeReply(w, 404, "")
		return
	}
	if s.RotateNonce {
		s.issueNonce(w, sess)
	}
	writeReply(w, 200, fw.Version,
		[2]string{"BINARY_NAME", fw.Filename},
		[2]string{"BINARY_BYTE_SIZE", fmt.Sprint(len(fw.Plaintext))},
		[2]string{"BINARY_CRC", fmt.Sprint(fw.CRC())},
		[2]string{"MODEL_PATH", fw.Path},
		[2]string{"DEVICE_MODEL_DISPLAYNAME", "Galaxy " + fw.Model},
		[2]string{"DEVICE_PLATFORM", "Android"},
		[2]string{"CURRENT_OS_VERSION", "S(Android 12)"},
		[2]string{"LAST_MODIFIED", "20240101000000"},
		[2]string{"LOGIC_VALUE_FACTORY", fw.LogicValue},
	)
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, q, ok := s.exchange(w, r)
	if !ok {
		return
	}
	stem := strings.SplitN(q.field("BINARY_FILE_NAME"), ".", 2)[0]
	if len(stem) > 16 {
		stem = stem[len(stem)-16:]
	}
	if check, err := fus.LogicCheck(stem, sess.nonce); err != nil || check != q.field("LOGIC_CHECK") {
		writeReply(w, 408, "")
		return
	}
	if s.RotateNonce {
		s.issueNonce(w, sess)
	}
	writeReply(w, 200, "")
}

// ciphertext returns the served bytes of fw. The caller must hold s.mu.
func (s *Server) ciphertext(fw *Firmware) ([]byte, error) {
	if ct, ok := s.cache[fw.Filename]; ok {
		return ct, nil
	}
	key, err := fwcrypt.DeriveKey(fw.Tag, fw.Query(), fw.LogicValue)
	if err != nil {
		return nil, err
	}
	ct, err := fwcrypt.Encrypt(key, fw.Plaintext)
	if err != nil {
		return nil, err
	}
	for off := range s.corrupt {
		if off < int64(len(ct)) {
			ct[off] ^= 0xff
		}
	}
	s.cache[fw.Filename] = ct
	return ct, nil
}

// dropWriter aborts the response once left bytes of the body have been written
type dropWriter struct {
	http.ResponseWriter
	left int
}

func (d *dropWriter) Write(p []byte) (int, error) {
	if len(p) >= d.left {
		d.ResponseWriter.Write(p[:d.left])
		if f, ok := d.ResponseWriter.(http.Flusher); ok {
			f.Flush()
		}
		panic(http.ErrAbortHandler)
	}
	d.left -= len(p)
	return d.ResponseWriter.Write(p)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if s.BeforeDownload != nil {
		s.BeforeDownload(r)
	}

	s.mu.Lock()
	if _, ok := s.authenticate(r); !ok {
		s.mu.Unlock()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var fw *Firmware
	for _, f := range s.firmware {
		if f.Path+f.Filename == r.URL.Query().Get("file") {
			fw = f
		}
	}
	if fw == nil {
		s.mu.Unlock()
		http.NotFound(w, r)
		return
	}
	ct, err := s.ciphertext(fw)
	if err != nil {
		s.mu.Unlock()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.downloads++
	drop := s.drops > 0
	if drop {
		s.drops--
	}
	s.mu.Unlock()

	if drop {
		w = &dropWriter{ResponseWriter: w, left: 8}
	}
	http.ServeContent(w, r, fw.Filename, time.Time{}, bytes.NewReader(ct))
}

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	// /firmware/<REGION>/<MODEL>/version.xml
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/firmware/"), "/")
	if len(parts) != 3 || parts[2] != "version.xml" {
		http.NotFound(w, r)
		return
	}

	s.mu.Lock()
	var matches []*Firmware
	for _, fw := range s.firmware {
		if strings.EqualFold(fw.Region, parts[0]) && strings.EqualFold(fw.Model, parts[1]) {
			matches = append(matches, fw)
		}
	}
	s.mu.Unlock()

	if len(matches) == 0 {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "<versioninfo><url>%s</url><firmware><model>%s</model><cc>%s</cc><version>",
		s.URL, parts[1], parts[0])
	fmt.Fprintf(&b, "<latest o=\"12\">%s</latest><upgrade>", matches[len(matches)-1].Version)
	for i := len(matches) - 2; i >= 0; i-- {
		fmt.Fprintf(&b, "<value rcount=\"1\" fwsize=\"%d\">%s</value>", len(matches[i].Plaintext), matches[i].Version)
	}
	b.WriteString("</upgrade></version></firmware></versioninfo>")
	w.Header().Set("Content-Type", "text/xml")
	w.Write(b.Bytes())
}
