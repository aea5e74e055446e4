package display

import (
	"fmt"
	"log/slog"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// ST7789 command set.
const (
	cmdSWRESET = 0x01
	cmdSLPOUT  = 0x11
	cmdNORON   = 0x13
	cmdINVON   = 0x21
	cmdDISPON  = 0x29
	cmdCASET   = 0x2A
	cmdRASET   = 0x2B
	cmdRAMWR   = 0x2C
	cmdMADCTL  = 0x36
	cmdCOLMOD  = 0x3A

	colmod16bit = 0x55
	madctlBGR   = 0x08

	defaultMaxTx = 4096
)

// ST7789Config describes how the panel is wired.
type ST7789Config struct {
	Port    string // e.g. "SPI0.0"
	Speed   physic.Frequency
	DCPin   string
	RSTPin  string // optional
	BLPin   string // optional
	Width   int
	Height  int
	XOffset int
	YOffset int
	BGR     bool
}

// ST7789 drives an ST7789 TFT controller over SPI.
type ST7789 struct {
	cfg   ST7789Config
	port  spi.PortCloser
	conn  spi.Conn
	dc    gpio.PinOut
	rst   gpio.PinOut
	bl    gpio.PinOut
	maxTx int
}

// OpenST7789 initializes the host drivers, opens the SPI port and runs the
// controller power-on sequence.
func OpenST7789(cfg ST7789Config) (*ST7789, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	port, err := spireg.Open(cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("open SPI port %q: %w", cfg.Port, err)
	}
	if cfg.Speed == 0 {
		cfg.Speed = 40 * physic.MegaHertz
	}
	c, err := port.Connect(cfg.Speed, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("SPI connect: %w", err)
	}

	d := &ST7789{cfg: cfg, port: port, conn: c, maxTx: defaultMaxTx}
	if l, ok := c.(conn.Limits); ok && l.MaxTxSize() > 0 {
		d.maxTx = l.MaxTxSize()
	}
	if d.dc = gpioreg.ByName(cfg.DCPin); d.dc == nil {
		port.Close()
		return nil, fmt.Errorf("DC pin %q not found", cfg.DCPin)
	}
	if cfg.RSTPin != "" {
		d.rst = gpioreg.ByName(cfg.RSTPin)
	}
	if cfg.BLPin != "" {
		d.bl = gpioreg.ByName(cfg.BLPin)
	}

	if err := d.init(); err != nil {
		port.Close()
		return nil, err
	}
	slog.Info("ST7789 panel ready", "port", cfg.Port, "width", cfg.Width, "height", cfg.Height, "maxTx", d.maxTx)
	return d, nil
}

func (d *ST7789) init() error {
	if d.rst != nil {
		if err := d.rst.Out(gpio.Low); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
		time.Sleep(10 * time.Millisecond)
		d.rst.Out(gpio.High)
		time.Sleep(120 * time.Millisecond)
	}

	madctl := byte(0)
	if d.cfg.BGR {
		madctl |= madctlBGR
	}
	steps := []struct {
		cmd   byte
		data  []byte
		delay time.Duration
	}{
		{cmdSWRESET, nil, 150 * time.Millisecond},
		{cmdSLPOUT, nil, 120 * time.Millisecond},
		{cmdCOLMOD, []byte{colmod16bit}, 10 * time.Millisecond},
		{cmdMADCTL, []byte{madctl}, 0},
		{cmdINVON, nil, 10 * time.Millisecond},
		{cmdNORON, nil, 10 * time.Millisecond},
		{cmdDISPON, nil, 10 * time.Millisecond},
	}
	for _, s := range steps {
		if err := d.command(s.cmd, s.data...); err != nil {
			return fmt.Errorf("init command %#02x: %w", s.cmd, err)
		}
		if s.delay > 0 {
			time.Sleep(s.delay)
		}
	}
	if d.bl != nil {
		d.bl.Out(gpio.High)
	}
	return nil
}

func (d *ST7789) command(cmd byte, data ...byte) error {
	if err := d.dc.Out(gpio.Low); err != nil {
		return err
	}
	if err := d.conn.Tx([]byte{cmd}, nil); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if err := d.dc.Out(gpio.High); err != nil {
		return err
	}
	return d.write(data)
}

func (d *ST7789) write(p []byte) error {
	for len(p) > 0 {
		n := min(len(p), d.maxTx)
		if err := d.conn.Tx(p[:n], nil); err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

func (d *ST7789) Width() int  { return d.cfg.Width }
func (d *ST7789) Height() int { return d.cfg.Height }

// StartWrite and EndWrite are no-ops; chip select is driven per transfer.
func (d *ST7789) StartWrite() {}
func (d *ST7789) EndWrite()   {}

func (d *ST7789) SetWindow(x, y, w, h int) error {
	if err := checkWindow(d, x, y, w, h); err != nil {
		return err
	}
	x0, x1 := x+d.cfg.XOffset, x+w-1+d.cfg.XOffset
	y0, y1 := y+d.cfg.YOffset, y+h-1+d.cfg.YOffset
	if err := d.command(cmdCASET, byte(x0>>8), byte(x0), byte(x1>>8), byte(x1)); err != nil {
		return err
	}
	if err := d.command(cmdRASET, byte(y0>>8), byte(y0), byte(y1>>8), byte(y1)); err != nil {
		return err
	}
	if err := d.command(cmdRAMWR); err != nil {
		return err
	}
	return d.dc.Out(gpio.High)
}

func (d *ST7789) PushPixels(pix []byte) error {
	return d.write(pix)
}

// Close turns the backlight off and releases the SPI port.
func (d *ST7789) Close() error {
	if d.bl != nil {
		d.bl.Out(gpio.Low)
	}
	return d.port.Close()
}
