package capture

import (
	"bytes"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"
)

// RTMP chunk stream ids, one per message class.
const (
	rtmpChunkAudio = 4
	rtmpChunkVideo = 6
	rtmpChunkData  = 8

	rtmpChunkSize = 128
)

// RTMPMuxer publishes H.264 and 16-bit PCM as FLV tags to an RTMP server.
type RTMPMuxer struct {
	client *rtmp.ClientConn
	stream *rtmp.Stream
	packer flvPacker
	log    logrus.FieldLogger

	metaSent bool
}

// DialRTMP connects to rawURL (rtmp://host[:port]/app/stream) and starts
// publishing. The connection is closed by Finalize.
func DialRTMP(rawURL string, log logrus.FieldLogger) (*RTMPMuxer, error) {
	log = loggerOr(log).WithField("component", "rtmp")

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: rtmp url: %v", ErrInvalidConfig, err)
	}
	if u.Scheme != "rtmp" {
		return nil, fmt.Errorf("%w: rtmp url scheme %q", ErrInvalidConfig, u.Scheme)
	}
	app, name, ok := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
	if !ok || app == "" || name == "" {
		return nil, fmt.Errorf("%w: rtmp url needs /app/stream, got %q", ErrInvalidConfig, u.Path)
	}
	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), "1935")
	}

	client, err := rtmp.Dial("rtmp", addr, &rtmp.ConnConfig{Logger: log})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResource, err)
	}
	tcURL := (&url.URL{Scheme: "rtmp", Host: u.Host, Path: "/" + app}).String()
	err = client.Connect(&rtmpmsg.NetConnectionConnect{
		Command: rtmpmsg.NetConnectionConnectCommand{
			App:   app,
			Type:  "nonprivate",
			TCURL: tcURL,
		},
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: rtmp connect: %v", ErrResource, err)
	}
	stream, err := client.CreateStream(nil, rtmpChunkSize)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: rtmp create stream: %v", ErrResource, err)
	}
	err = stream.Publish(&rtmpmsg.NetStreamPublish{
		PublishingName: name,
		PublishingType: "live",
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: rtmp publish: %v", ErrResource, err)
	}
	log.WithFields(logrus.Fields{"addr": addr, "app": app, "stream": name}).Info("publishing")

	return &RTMPMuxer{client: client, stream: stream, log: log}, nil
}

func (m *RTMPMuxer) AddStream(p StreamParams) (int, error) {
	return m.packer.addStream(p)
}

func (m *RTMPMuxer) WriteSample(index int, data []byte, info PacketInfo) error {
	if !m.metaSent {
		meta, err := m.packer.metadata()
		if err != nil {
			return fmt.Errorf("%w: metadata: %v", ErrFatalIO, err)
		}
		err = m.stream.Write(rtmpChunkData, 0, &rtmpmsg.DataMessage{
			Name:     "@setDataFrame",
			Encoding: rtmpmsg.EncodingTypeAMF0,
			Body:     bytes.NewReader(meta),
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrFatalIO, err)
		}
		m.metaSent = true
	}

	tags, err := m.packer.pack(index, data, info)
	if err != nil {
		return err
	}
	for _, t := range tags {
		payload := bytes.NewReader(append([]byte(nil), t.Data...))
		var msg rtmpmsg.Message
		chunk := rtmpChunkVideo
		if t.Type == flvTagAudio {
			msg, chunk = &rtmpmsg.AudioMessage{Payload: payload}, rtmpChunkAudio
		} else {
			msg = &rtmpmsg.VideoMessage{Payload: payload}
		}
		if err := m.stream.Write(chunk, t.Timestamp, msg); err != nil {
			return fmt.Errorf("%w: %v", ErrFatalIO, err)
		}
	}
	return nil
}

// Finalize closes the connection.
func (m *RTMPMuxer) Finalize() error {
	if err := m.client.Close(); err != nil {
		m.log.WithError(err).Debug("close")
	}
	return nil
}
