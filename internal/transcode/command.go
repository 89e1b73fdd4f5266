// Package transcode manages the lifecycle of per-session transcode
// processes: command construction, spawning with bounded retries, graceful
// stop and crash detection.
package transcode

import "strconv"

// Command builds an ffmpeg invocation fluently.
type Command struct {
	path string
	args []string
}

// NewCommand creates a command builder for the ffmpeg binary at path.
func NewCommand(path string) *Command {
	return &Command{path: path}
}

// HideBanner suppresses the ffmpeg startup banner.
func (c *Command) HideBanner() *Command {
	c.args = append(c.args, "-hide_banner")
	return c
}

// LogLevel sets ffmpeg's log level.
func (c *Command) LogLevel(level string) *Command {
	c.args = append(c.args, "-loglevel", level)
	return c
}

// Realtime reads input at its native frame rate. Required for file sources
// so the encoder does not race ahead of the client.
func (c *Command) Realtime() *Command {
	c.args = append(c.args, "-re")
	return c
}

// Input sets the source URI.
func (c *Command) Input(uri string) *Command {
	c.args = append(c.args, "-i", uri)
	return c
}

// VideoH264 encodes video as H.264 at the given bitrate in bits/sec. The
// rate-control window is pinned so the delivered bitrate tracks the target.
func (c *Command) VideoH264(bitrate int64) *Command {
	bps := strconv.FormatInt(bitrate, 10)
	c.args = append(c.args,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-b:v", bps,
		"-maxrate", bps,
		"-bufsize", strconv.FormatInt(bitrate*2, 10),
	)
	return c
}

// AudioAAC encodes audio as AAC at the given bitrate in kbps.
func (c *Command) AudioAAC(kbps int) *Command {
	c.args = append(c.args, "-c:a", "aac", "-b:a", strconv.Itoa(kbps)+"k")
	return c
}

// MPEGTS writes an MPEG-TS stream to the given output target.
func (c *Command) MPEGTS(output string) *Command {
	c.args = append(c.args, "-f", "mpegts", output)
	return c
}

// Path returns the binary path.
func (c *Command) Path() string {
	return c.path
}

// Args returns the accumulated argument list.
func (c *Command) Args() []string {
	return c.args
}
