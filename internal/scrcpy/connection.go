package scrcpy

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/gclip/internal/media"
	"github.com/babelcloud/gbox/packages/gclip/internal/util"
)

const (
	deviceServerPath = "/data/local/tmp/scrcpy-server.jar"
	acceptTimeout    = 20 * time.Second
)

// Config locates the device and the server jar.
type Config struct {
	Serial     string
	ADBPath    string
	ServerPath string // local jar pushed before each start
	Version    string // must match the jar
	CameraSize string // e.g. "1280x720", empty for the device default

	// Encoder is used from the first start until TuneEncoder replaces it.
	Encoder media.EncoderSettings
	Logger  *slog.Logger
}

func (c *Config) setDefaults() {
	if c.ADBPath == "" {
		if p, err := exec.LookPath("adb"); err == nil {
			c.ADBPath = p
		} else {
			c.ADBPath = "adb"
		}
	}
	if c.Version == "" {
		c.Version = "3.3.1"
	}
	if c.Logger == nil {
		c.Logger = util.GetLogger()
	}
}

// CameraRequest selects the camera and encoder of one server run.
type CameraRequest struct {
	Facing   media.Facing
	CameraID string // wins over Facing when set
	Encoder  media.EncoderSettings
}

// Camera is an entry of the device camera list.
type Camera struct {
	ID     string       `json:"id"`
	Facing media.Facing `json:"facing"`
	Size   string       `json:"size"`
}

// Connection is one scrcpy-server run streaming camera video and
// microphone audio over an adb reverse tunnel.
type Connection struct {
	cfg    Config
	scid   uint32
	logger *slog.Logger

	listener  net.Listener
	serverCmd *exec.Cmd

	Video      net.Conn
	Audio      net.Conn // nil when the device refused audio capture
	DeviceName string
	VideoMeta  VideoMeta
	AudioCodec uint32
}

func (c *Config) adb(ctx context.Context, args ...string) *exec.Cmd {
	if c.Serial != "" {
		args = append([]string{"-s", c.Serial}, args...)
	}
	return exec.CommandContext(ctx, c.ADBPath, args...)
}

// serverArgs builds the app_process invocation for a camera capture.
func serverArgs(version string, scid uint32, req CameraRequest, cameraSize string) []string {
	args := []string{
		"CLASSPATH=" + deviceServerPath,
		"app_process", "/", "com.genymobile.scrcpy.Server",
		version,
		fmt.Sprintf("scid=%08x", scid),
		"log_level=info",
		"video=true",
		"audio=true",
		"control=false",
		"cleanup=true",
		"video_source=camera",
		"audio_source=mic",
		"video_codec=h264",
		"audio_codec=aac",
		// portrait, whatever the device orientation
		"capture_orientation=0",
	}
	if req.CameraID != "" {
		args = append(args, "camera_id="+req.CameraID)
	} else if req.Facing != media.FacingUnspecified {
		args = append(args, "camera_facing="+req.Facing.String())
	}
	if cameraSize != "" {
		args = append(args, "camera_size="+cameraSize)
	}

	enc := req.Encoder
	if enc.VideoBitrate > 0 {
		args = append(args, fmt.Sprintf("video_bit_rate=%d", enc.VideoBitrate))
	}
	if enc.FrameRate > 0 {
		args = append(args, fmt.Sprintf("max_fps=%d", enc.FrameRate), fmt.Sprintf("camera_fps=%d", enc.FrameRate))
	}
	var codecOpts []string
	if enc.Profile == "baseline" {
		// MediaCodecInfo.CodecProfileLevel.AVCProfileBaseline
		codecOpts = append(codecOpts, "profile=1")
	}
	if enc.KeyFrameInterval > 0 && enc.FrameRate > 0 {
		codecOpts = append(codecOpts, fmt.Sprintf("i-frame-interval:float=%g",
			float64(enc.KeyFrameInterval)/float64(enc.FrameRate)))
	}
	if len(codecOpts) > 0 {
		args = append(args, "video_codec_options="+strings.Join(codecOpts, ","))
	}
	if enc.AudioBitrate > 0 {
		args = append(args, fmt.Sprintf("audio_bit_rate=%d", enc.AudioBitrate))
	}
	return args
}

// Connect pushes the server, starts it and accepts its sockets.
func Connect(ctx context.Context, cfg Config, req CameraRequest) (*Connection, error) {
	cfg.setDefaults()
	c := &Connection{
		cfg:    cfg,
		scid:   rand.Uint32() & 0x7fffffff,
		logger: cfg.Logger.With("device", cfg.Serial),
	}

	if err := c.pushServer(ctx); err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, errors.Wrap(err, "failed to listen for scrcpy server")
	}
	c.listener = listener

	if err := c.setupReverse(ctx); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.startServer(req); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.accept(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Connection) pushServer(ctx context.Context) error {
	if c.cfg.ServerPath != "" {
		if _, err := os.Stat(c.cfg.ServerPath); err == nil {
			c.logger.Debug("Pushing scrcpy server", "path", c.cfg.ServerPath)
			if out, err := c.cfg.adb(ctx, "push", c.cfg.ServerPath, deviceServerPath).CombinedOutput(); err != nil {
				return errors.Errorf("failed to push server: %s", strings.TrimSpace(string(out)))
			}
		}
	}
	if err := c.cfg.adb(ctx, "shell", "ls", deviceServerPath).Run(); err != nil {
		return errors.Errorf("scrcpy-server.jar not found on device (local path %q)", c.cfg.ServerPath)
	}
	return nil
}

func (c *Connection) socketName() string {
	return fmt.Sprintf("localabstract:scrcpy_%08x", c.scid)
}

func (c *Connection) setupReverse(ctx context.Context) error {
	port := c.listener.Addr().(*net.TCPAddr).Port
	c.logger.Debug("Setting up reverse tunnel", "socket", c.socketName(), "port", port)
	out, err := c.cfg.adb(ctx, "reverse", c.socketName(), fmt.Sprintf("tcp:%d", port)).CombinedOutput()
	if err != nil {
		return errors.Errorf("failed to setup reverse forward: %s", strings.TrimSpace(string(out)))
	}
	return nil
}

func (c *Connection) startServer(req CameraRequest) error {
	args := append([]string{"shell"}, serverArgs(c.cfg.Version, c.scid, req, c.cfg.CameraSize)...)
	// the server outlives the connect context; Close kills it
	cmd := c.cfg.adb(context.Background(), args...)
	cmd.Stdout = util.NewPrefixLogWriter("[scrcpy-out]")
	cmd.Stderr = util.NewPrefixLogWriter("[scrcpy-err]")

	c.logger.Debug("Starting scrcpy server", "command", cmd.String())
	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "failed to start scrcpy server")
	}
	c.serverCmd = cmd
	return nil
}

func (c *Connection) acceptOne(ctx context.Context) (net.Conn, error) {
	deadline := time.Now().Add(acceptTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.listener.(*net.TCPListener).SetDeadline(deadline); err != nil {
		return nil, errors.Wrap(err, "failed to set deadline")
	}
	conn, err := c.listener.Accept()
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, errors.Errorf("timeout waiting for scrcpy server after %s", acceptTimeout)
		}
		return nil, errors.Wrap(err, "failed to accept connection")
	}
	return conn, nil
}

// accept takes the video socket then the audio socket, in the order the
// server opens them, and reads their metadata.
func (c *Connection) accept(ctx context.Context) error {
	video, err := c.acceptOne(ctx)
	if err != nil {
		return err
	}
	c.Video = video

	audio, err := c.acceptOne(ctx)
	if err != nil {
		return err
	}
	c.Audio = audio

	if c.DeviceName, err = ReadDeviceName(video); err != nil {
		return err
	}
	if c.VideoMeta, err = ReadVideoMeta(video); err != nil {
		return err
	}
	if c.VideoMeta.CodecID != CodecIDH264 {
		return errors.Errorf("unexpected video codec %s", CodecName(c.VideoMeta.CodecID))
	}

	if c.AudioCodec, err = ReadAudioMeta(audio); err != nil {
		return err
	}
	if c.AudioCodec != CodecIDAAC {
		c.logger.Warn("Device did not start audio capture, recording video only", "codec", CodecName(c.AudioCodec))
		audio.Close()
		c.Audio = nil
	}

	c.logger.Info("Scrcpy server connected", "name", c.DeviceName,
		"width", c.VideoMeta.Width, "height", c.VideoMeta.Height)
	return nil
}

// Close tears down sockets, server and tunnel. Safe to call more than once.
func (c *Connection) Close() error {
	if c.Video != nil {
		c.Video.Close()
	}
	if c.Audio != nil {
		c.Audio.Close()
	}
	if c.listener != nil {
		c.listener.Close()
		c.listener = nil
	}
	if c.serverCmd != nil && c.serverCmd.Process != nil {
		c.serverCmd.Process.Kill()
		c.serverCmd.Wait()
		c.serverCmd = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.cfg.adb(ctx, "reverse", "--remove", c.socketName()).Run()
	return nil
}

var cameraLine = regexp.MustCompile(`--camera-id=(\S+)\s+\((back|front|external),\s*(\d+x\d+)`)

// parseCameraList reads the output of list_cameras=true.
func parseCameraList(out string) []Camera {
	var cameras []Camera
	for _, line := range strings.Split(out, "\n") {
		m := cameraLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		facing, err := media.ParseFacing(m[2])
		if err != nil {
			facing = media.FacingUnspecified
		}
		cameras = append(cameras, Camera{ID: m[1], Facing: facing, Size: m[3]})
	}
	return cameras
}

// ListCameras asks the server for the cameras of the device.
func ListCameras(ctx context.Context, cfg Config) ([]Camera, error) {
	cfg.setDefaults()
	c := &Connection{cfg: cfg, logger: cfg.Logger}
	if err := c.pushServer(ctx); err != nil {
		return nil, err
	}
	out, err := cfg.adb(ctx, "shell",
		"CLASSPATH="+deviceServerPath,
		"app_process", "/", "com.genymobile.scrcpy.Server",
		cfg.Version, "list_cameras=true", "log_level=info",
	).CombinedOutput()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list cameras: %s", strings.TrimSpace(string(out)))
	}
	return parseCameraList(string(out)), nil
}

// FindCamera picks the first camera with the given facing.
func FindCamera(cameras []Camera, facing media.Facing) (Camera, error) {
	for _, cam := range cameras {
		if cam.Facing == facing {
			return cam, nil
		}
	}
	return Camera{}, errors.Wrapf(media.ErrDeviceUnavailable, "no %s camera", facing)
}
