package state

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/evmotion/canble/helpers"
	"github.com/evmotion/canble/log2"
	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
)

const (
	BindingHeader         = "header"
	BindingCharacteristic = "characteristic"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	Log struct {
		Debug     bool   `hcl:"debug"`
		File      string `hcl:"file"`
		MaxSizeMB int    `hcl:"max_size_mb"`
	} `hcl:"log"`

	Ble struct {
		Adapter        string                 `hcl:"adapter"`
		NamePrefix     string                 `hcl:"name_prefix"`
		Address        string                 `hcl:"address"`
		ScanTimeoutSec int                    `hcl:"scan_timeout_sec"`
		ReconnectSec   int                    `hcl:"reconnect_sec"`
		Binding        string                 `hcl:"binding"`
		XXX_Chars      []ConfigCharacteristic `hcl:"characteristic"`
	} `hcl:"ble"`

	Persist struct {
		Root           string `hcl:"root"`
		IntervalSec    int    `hcl:"interval_sec"`
		UserKey        string `hcl:"user_key"`
		RememberDevice bool   `hcl:"remember_device"`
	} `hcl:"persist"`

	Tele struct {
		Enabled           bool   `hcl:"enabled"`
		MqttBroker        string `hcl:"mqtt_broker"`
		MqttPassword      string `hcl:"mqtt_password"`
		ClientID          string `hcl:"client_id"`
		NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
		KeepaliveSec      int    `hcl:"keepalive_sec"`
		RetrySec          int    `hcl:"retry_sec"`
		OutboxPath        string `hcl:"outbox_path"`
		LogDebug          bool   `hcl:"log_debug"`
	} `hcl:"tele"`

	Feed struct {
		Listen string `hcl:"listen"`
	} `hcl:"feed"`

	_copy_guard sync.Mutex //nolint:unused
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

type ConfigCharacteristic struct {
	UUID  string `hcl:"uuid,key"`
	CanID int    `hcl:"can_id"`
}

// Characteristics returns uuid->CAN id map for characteristic binding.
func (c *Config) Characteristics() map[string]uint32 {
	m := make(map[string]uint32, len(c.Ble.XXX_Chars))
	for _, x := range c.Ble.XXX_Chars {
		m[strings.ToLower(x.UUID)] = uint32(x.CanID)
	}
	return m
}

// Validate fills defaults and checks constraints.
func (c *Config) Validate() error {
	errs := make([]error, 0, 4)
	if c.Ble.Adapter == "" {
		c.Ble.Adapter = "hci0"
	}
	switch c.Ble.Binding {
	case "":
		c.Ble.Binding = BindingHeader
	case BindingHeader:
	case BindingCharacteristic:
		if len(c.Ble.XXX_Chars) == 0 {
			errs = append(errs, errors.NotValidf("config: ble.binding=characteristic without characteristic entries"))
		}
		for _, x := range c.Ble.XXX_Chars {
			if x.CanID <= 0 || x.CanID > 0x1fffffff {
				errs = append(errs, errors.NotValidf("config: ble.characteristic %s can_id=%d", x.UUID, x.CanID))
			}
		}
	default:
		errs = append(errs, errors.NotValidf("config: ble.binding=%s", c.Ble.Binding))
	}
	if c.Ble.ScanTimeoutSec < 0 {
		errs = append(errs, errors.NotValidf("config: ble.scan_timeout_sec=%d", c.Ble.ScanTimeoutSec))
	}
	if c.Persist.IntervalSec < 0 {
		errs = append(errs, errors.NotValidf("config: persist.interval_sec=%d", c.Persist.IntervalSec))
	}
	if c.Tele.Enabled {
		if c.Tele.MqttBroker == "" {
			errs = append(errs, errors.NotValidf("config: tele.enabled without tele.mqtt_broker"))
		}
		if c.Persist.UserKey == "" {
			errs = append(errs, errors.NotValidf("config: tele.enabled without persist.user_key"))
		}
	}
	return helpers.FoldErrors(errs)
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s content='%s'", source.Name, string(bs))
		*errs = append(*errs, err)
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		log.Fatal("code error [Must]ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	if len(errs) == 0 {
		if err := c.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
