// voxcpm-client is a small bus client for exercising a running daemon:
// registering voices, generating speech and fetching artifacts.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/lutaSci/VoxCPM/internal/protocol"
	"github.com/lutaSci/VoxCPM/internal/wavio"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "register":
		err = runRegister(os.Args[2:])
	case "voices":
		err = runVoices(os.Args[2:])
	case "generate":
		err = runGenerate(os.Args[2:])
	case "stream":
		err = runStream(os.Args[2:])
	case "fetch":
		err = runFetch(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "expected 'register', 'voices', 'generate', 'stream', 'fetch' or 'version'")
}

func connect(servers string) (*nats.Conn, error) {
	return nats.Connect(servers, nats.Name("voxcpm-client"), nats.Timeout(2*time.Second))
}

func runRegister(args []string) error {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	servers := fs.String("servers", nats.DefaultURL, "NATS server URLs")
	name := fs.String("name", "", "Voice name")
	voiceID := fs.String("id", "", "Voice identifier (optional)")
	audioPath := fs.String("audio", "", "Path to reference WAV file")
	transcript := fs.String("transcript", "", "Transcript of the reference audio (optional)")
	fs.Parse(args)

	if *audioPath == "" {
		return errors.New("-audio is required")
	}
	audio, err := os.ReadFile(*audioPath)
	if err != nil {
		return err
	}

	conn, err := connect(*servers)
	if err != nil {
		return err
	}
	defer conn.Close()

	var reply protocol.RegisterVoiceReply
	if err := request(conn, protocol.SubjectVoiceRegister, protocol.RegisterVoiceRequest{
		VoiceID:    *voiceID,
		Name:       *name,
		Audio:      audio,
		Transcript: *transcript,
	}, &reply, 10*time.Second); err != nil {
		return err
	}
	if reply.Error != nil {
		return replyError(reply.Error)
	}
	fmt.Printf("registered voice %s (%s)\n", reply.Voice.ID, reply.Voice.Name)
	return nil
}

func runVoices(args []string) error {
	fs := flag.NewFlagSet("voices", flag.ExitOnError)
	servers := fs.String("servers", nats.DefaultURL, "NATS server URLs")
	fs.Parse(args)

	conn, err := connect(*servers)
	if err != nil {
		return err
	}
	defer conn.Close()

	var reply protocol.ListVoicesReply
	if err := request(conn, protocol.SubjectVoiceList, struct{}{}, &reply, 5*time.Second); err != nil {
		return err
	}
	if reply.Error != nil {
		return replyError(reply.Error)
	}
	for _, v := range reply.Voices {
		pending := ""
		if v.TranscriptPending {
			pending = " (transcript pending)"
		}
		fmt.Printf("%s\t%s\t%s%s\n", v.ID, v.Name, v.CreatedAt.Format(time.RFC3339), pending)
	}
	return nil
}

func runGenerate(args []string) error {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	servers := fs.String("servers", nats.DefaultURL, "NATS server URLs")
	text := fs.String("text", "", "Text to synthesize")
	voiceID := fs.String("voice", "", "Registered voice identifier (optional)")
	format := fs.String("format", "wav", "Artifact format: wav or pcm")
	out := fs.String("out", "out.wav", "Output file path")
	timeout := fs.Duration("timeout", 5*time.Minute, "Request timeout")
	fs.Parse(args)

	conn, err := connect(*servers)
	if err != nil {
		return err
	}
	defer conn.Close()

	var reply protocol.GenerateReply
	if err := request(conn, protocol.SubjectGenerate, protocol.GenerateRequest{
		Text:    *text,
		VoiceID: *voiceID,
		Format:  *format,
	}, &reply, *timeout); err != nil {
		return err
	}
	if reply.Error != nil {
		return replyError(reply.Error)
	}
	fmt.Printf("generated artifact %s (%d units, %dms)\n", reply.ArtifactID, reply.Units, reply.DurationMS)

	var fetched protocol.GetArtifactReply
	if err := request(conn, protocol.SubjectArtifactGet, protocol.GetArtifactRequest{ArtifactID: reply.ArtifactID}, &fetched, 10*time.Second); err != nil {
		return err
	}
	if fetched.Error != nil {
		return replyError(fetched.Error)
	}
	if err := os.WriteFile(*out, fetched.Audio, 0o644); err != nil {
		return err
	}
	fmt.Printf("wrote %s (%d bytes)\n", *out, len(fetched.Audio))
	return nil
}

func runStream(args []string) error {
	fs := flag.NewFlagSet("stream", flag.ExitOnError)
	servers := fs.String("servers", nats.DefaultURL, "NATS server URLs")
	text := fs.String("text", "", "Text to synthesize")
	voiceID := fs.String("voice", "", "Registered voice identifier (optional)")
	out := fs.String("out", "out.wav", "Output file path")
	chunkTimeout := fs.Duration("chunk-timeout", 2*time.Minute, "Max wait per chunk")
	fs.Parse(args)

	conn, err := connect(*servers)
	if err != nil {
		return err
	}
	defer conn.Close()

	inbox := nats.NewInbox()
	sub, err := conn.SubscribeSync(inbox)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	data, err := json.Marshal(protocol.GenerateRequest{Text: *text, VoiceID: *voiceID})
	if err != nil {
		return err
	}
	if err := conn.PublishRequest(protocol.SubjectGenerateStream, inbox, data); err != nil {
		return err
	}

	var pcm []byte
	var sampleRate, channels int
	for {
		msg, err := sub.NextMsg(*chunkTimeout)
		if err != nil {
			return fmt.Errorf("waiting for chunk: %w", err)
		}
		var chunk protocol.StreamChunk
		if err := json.Unmarshal(msg.Data, &chunk); err != nil {
			return err
		}
		if chunk.Error != nil {
			return replyError(chunk.Error)
		}
		pcm = append(pcm, chunk.PCM...)
		sampleRate = chunk.SampleRate
		channels = chunk.Channels
		fmt.Printf("unit %d: %d bytes\n", chunk.UnitIndex, len(chunk.PCM))
		if chunk.Final {
			break
		}
	}

	wavData, err := wavio.EncodePCM16(pcm, sampleRate, channels)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, wavData, 0o644); err != nil {
		return err
	}
	fmt.Printf("wrote %s (%d bytes)\n", *out, len(wavData))
	return nil
}

func runFetch(args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	servers := fs.String("servers", nats.DefaultURL, "NATS server URLs")
	artifactID := fs.String("id", "", "Artifact identifier")
	out := fs.String("out", "out.wav", "Output file path")
	fs.Parse(args)

	if *artifactID == "" {
		return errors.New("-id is required")
	}

	conn, err := connect(*servers)
	if err != nil {
		return err
	}
	defer conn.Close()

	var reply protocol.GetArtifactReply
	if err := request(conn, protocol.SubjectArtifactGet, protocol.GetArtifactRequest{ArtifactID: *artifactID}, &reply, 10*time.Second); err != nil {
		return err
	}
	if reply.Error != nil {
		return replyError(reply.Error)
	}
	if err := os.WriteFile(*out, reply.Audio, 0o644); err != nil {
		return err
	}
	fmt.Printf("wrote %s (%d bytes, expires %s)\n", *out, len(reply.Audio), reply.ExpiresAt.Format(time.RFC3339))
	return nil
}

func request(conn *nats.Conn, subject string, payload any, reply any, timeout time.Duration) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg, err := conn.Request(subject, data, timeout)
	if err != nil {
		return err
	}
	return json.Unmarshal(msg.Data, reply)
}

func replyError(info *protocol.ErrorInfo) error {
	if info.Unit != nil {
		return fmt.Errorf("%s (unit %d): %s", info.Code, *info.Unit, info.Message)
	}
	return fmt.Errorf("%s: %s", info.Code, info.Message)
}
