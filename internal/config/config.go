package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

type E131 struct {
	Receiver      string        `yaml:"receiver" validate:"omitempty,hostname_rfc1123|ip"`
	Port          int           `yaml:"port" validate:"min=1,max=65535"`
	Multicast     bool          `yaml:"multicast"`
	StartUniverse int           `yaml:"start_universe" validate:"min=1,max=63999"`
	SourceName    string        `yaml:"source_name" validate:"max=63"`
	CID           string        `yaml:"cid,omitempty" validate:"omitempty,uuid"`
	Priority      int           `yaml:"priority" validate:"min=1,max=200"`
	SendTimeout   time.Duration `yaml:"send_timeout" validate:"min=0"`
}

type Capture struct {
	Path string `yaml:"path,omitempty"` // pcap file; empty disables
}

type SPI struct {
	// Dev is the spireg name, e.g. SPI0.0; empty picks the first port.
	Dev     string `yaml:"dev"`
	// SpeedHz is the SPI clock. nrzled encodes the 800 kHz LED bit stream at
	// 2.5 MHz and accepts nothing else.
	SpeedHz int    `yaml:"speed_hz" validate:"omitempty,eq=2500000"`
}

type Layout struct {
	SpacingIn     []float64 `yaml:"spacing_in" validate:"dive,gte=0"`
	RafterLengthM float64   `yaml:"rafter_length_m" validate:"gt=0"`
	PixelsPerEdge int       `yaml:"pixels_per_edge" validate:"min=1"`
	SideOffsetIn  float64   `yaml:"side_offset_in" validate:"gte=0"`
}

type Pattern struct {
	Name  string  `yaml:"name" validate:"required"`
	Speed float64 `yaml:"speed"`
	Width float64 `yaml:"width" validate:"gt=0,lte=1"`
}

// Power limits current draw; a zero budget_ma disables the global stage.
type Power struct {
	BudgetMA float64 `yaml:"budget_ma" validate:"gte=0"`
	ChanMA   float64 `yaml:"led_chan_ma" validate:"gte=0"`
	WhiteCap float64 `yaml:"white_cap" validate:"gte=0,lte=4"`
	Knee     float64 `yaml:"knee" validate:"gte=0,lt=1"`
}

type Preview struct {
	Addr string `yaml:"addr"` // empty disables the preview server
}

type Config struct {
	FPS                 int     `yaml:"fps" validate:"min=1,max=1000"`
	ChannelsPerPixel    int     `yaml:"channels_per_pixel" validate:"min=1,max=4"`
	ChannelsPerUniverse int     `yaml:"channels_per_universe" validate:"min=1,max=512"`
	ColorOrder          string  `yaml:"color_order" validate:"required,max=4"`
	Brightness          float64 `yaml:"brightness" validate:"gte=0,lte=1"`
	Output              string  `yaml:"output" validate:"oneof=e131 spi sim"`

	E131    E131    `yaml:"e131"`
	Capture Capture `yaml:"capture,omitempty"`
	SPI     SPI     `yaml:"spi,omitempty"`
	Layout  Layout  `yaml:"layout"`
	Pattern Pattern `yaml:"pattern"`
	Power   Power   `yaml:"power"`
	Preview Preview `yaml:"preview"`
}

// Default is the installed rafter show.
func Default() *Config {
	return &Config{
		FPS:                 40,
		ChannelsPerPixel:    4,
		ChannelsPerUniverse: 510,
		ColorOrder:          "GRBW",
		Brightness:          1,
		Output:              "e131",
		E131: E131{
			Receiver:      "10.2.0.8",
			Port:          5568,
			StartUniverse: 1,
			SourceName:    "sandestin",
			Priority:      100,
			SendTimeout:   20 * time.Millisecond,
		},
		SPI: SPI{SpeedHz: 2500000},
		Layout: Layout{
			SpacingIn:     []float64{31.5, 32.5, 31.25, 32.2, 33, 30},
			RafterLengthM: 3,
			PixelsPerEdge: 180,
			SideOffsetIn:  7,
		},
		Pattern: Pattern{Name: "hue", Speed: 0.5, Width: 0.5},
		Power:   Power{ChanMA: 20, Knee: 0.9},
		Preview: Preview{Addr: ":8080"},
	}
}

// Load reads path over Default, so a file only needs the keys it changes.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c := Default()
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return c, nil
}

func Save(path string, c *Config) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0644)
}

// Validate checks field ranges and the rules that span fields.
func (c *Config) Validate() error {
	if err := formatValidationError(validate.Struct(c)); err != nil {
		return err
	}
	for _, r := range strings.ToUpper(c.ColorOrder) {
		if !strings.ContainsRune("RGBW", r) {
			return fmt.Errorf("color_order: invalid channel %q", r)
		}
	}
	if len(c.ColorOrder) != c.ChannelsPerPixel {
		return fmt.Errorf("color_order %q has %d channels, channels_per_pixel is %d",
			c.ColorOrder, len(c.ColorOrder), c.ChannelsPerPixel)
	}
	if c.Output == "e131" && !c.E131.Multicast && c.E131.Receiver == "" {
		return errors.New("e131.receiver: required unless e131.multicast is set")
	}
	return nil
}

func formatValidationError(err error) error {
	if err == nil {
		return nil
	}
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return err
	}
	for _, e := range errs {
		field := strings.TrimPrefix(e.Namespace(), "Config.")
		switch e.Tag() {
		case "required":
			return fmt.Errorf("%s: field is required", field)
		case "min", "gte":
			return fmt.Errorf("%s: must be at least %s", field, e.Param())
		case "max", "lte":
			return fmt.Errorf("%s: must not exceed %s", field, e.Param())
		case "lt":
			return fmt.Errorf("%s: must be less than %s", field, e.Param())
		case "gt":
			return fmt.Errorf("%s: must be greater than %s", field, e.Param())
		case "eq":
			return fmt.Errorf("%s: must be %s", field, e.Param())
		case "oneof":
			return fmt.Errorf("%s: must be one of %s", field, e.Param())
		default:
			return fmt.Errorf("%s: validation failed (%s)", field, e.Tag())
		}
	}
	return err
}
