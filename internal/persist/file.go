package persist

import (
	"encoding"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/evmotion/canble/ble"
	"github.com/evmotion/canble/log2"
	"github.com/juju/errors"
	"github.com/temoto/extremofile"
)

type Stater interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type storage interface {
	Read() ([]byte, error)
	io.Writer
}

// File binds Stater Load/Store to crash-safe local storage.
// Disabled File is valid no-op.
type File struct {
	sync.Mutex
	log     *log2.Log
	tag     string
	target  Stater
	storage storage
}

func (self *File) Init(tag string, target Stater, root string, enabled bool, log *log2.Log) error {
	self.tag = tag
	self.log = log
	if !enabled {
		self.log.Debugf("persist %s disabled", self.tag)
		return nil
	}
	if root == "" {
		return errors.NotValidf("persist %s enabled but root=empty", self.tag)
	}
	if target == nil {
		panic("code error persist target nil")
	}
	self.target = target
	self.storage = extremofile.New(extremofile.Config{
		Dir:      filepath.Join(root, tag),
		DirPerm:  0755,
		FilePerm: 0644,
	})
	return nil
}

func (self *File) Enabled() bool { return self.storage != nil }

func (self *File) Load() error {
	if self.tag == "" {
		panic("code error persist must call .Init() first")
	}
	if self.storage == nil {
		return nil
	}
	self.Lock()
	defer self.Unlock()
	tbegin := time.Now()
	b, err := self.storage.Read()
	self.log.Debugf("persist %s read duration=%v", self.tag, time.Since(tbegin))
	if b != nil {
		if err != nil {
			self.log.Errorf("persist %s ignore non-critical storage err=%v", self.tag, err)
		}
		err = self.target.UnmarshalBinary(b)
	}
	return errors.Annotatef(err, "persist %s Load", self.tag)
}

func (self *File) Store() error {
	if self.tag == "" {
		panic("code error persist must call .Init() first")
	}
	if self.storage == nil {
		return nil
	}
	self.Lock()
	defer self.Unlock()
	b, err := self.target.MarshalBinary()
	if err == nil {
		tbegin := time.Now()
		_, err = self.storage.Write(b)
		self.log.Debugf("persist %s write duration=%v", self.tag, time.Since(tbegin))
	}
	return errors.Annotatef(err, "persist %s Store", self.tag)
}

// KnownDevice remembers last connected device for reconnect after restart.
type KnownDevice struct {
	mu  sync.Mutex
	dev ble.Device
}

func (self *KnownDevice) Get() (ble.Device, bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.dev, self.dev.ID != ""
}

func (self *KnownDevice) Set(d ble.Device) {
	self.mu.Lock()
	self.dev = ble.Device{ID: d.ID, Name: d.Name}
	self.mu.Unlock()
}

// MarshalBinary "id\nname"
func (self *KnownDevice) MarshalBinary() ([]byte, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if strings.ContainsRune(self.dev.ID, '\n') {
		return nil, errors.NotValidf("device id=%q", self.dev.ID)
	}
	return []byte(self.dev.ID + "\n" + self.dev.Name), nil
}

func (self *KnownDevice) UnmarshalBinary(b []byte) error {
	s := string(b)
	id, name := s, ""
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		id, name = s[:i], s[i+1:]
	}
	self.mu.Lock()
	self.dev = ble.Device{ID: strings.TrimSpace(id), Name: name}
	self.mu.Unlock()
	return nil
}
