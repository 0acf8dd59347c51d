// Package capture records frames and audio produced by a renderer or game
// into media files without stalling the producing thread.
//
// Key pieces include:
//   - Recorder: a video and/or audio stream context feeding one Muxer
//   - PNGContext and LayeredImageContext: single-frame PNG and multi-layer
//     EXR export
//   - TaskScheduler and BufferPool: bounded background work over pooled
//     buffers
//   - SyncCoordinator: interleaves audio with video by presentation time
//   - Muxers for FLV, WAV, Annex-B/Ogg elementary streams, image sequences
//     and RTMP push
//   - FormatConverter functions (ConvertPixels, ToI420, ConvertSamples)
//
// # Architecture
//
//	Video: AddFrame -> copy into pooled buffer -> convert (parallel) -> encode -> Muxer (in submission order)
//	Audio: AddAudioSamples -> SyncCoordinator -> block carry -> convert -> encode -> Muxer
//	Stills: BeginFrame/AddLayer/EndFrame -> convert per layer -> ExrWriter (background)
//
// Every submission returns as soon as its pixels are copied. At most
// MaxTasks submissions are in flight per context; beyond that the caller
// blocks. Output order always matches submission order.
//
// # Native Libraries
//
// H.264 (libmedia_h264) and Opus (libstream_opus) are loaded at runtime with
// purego, so the package builds with CGO_ENABLED=0. PNG and PCM are pure Go
// and always available. Set MEDIA_SDK_LIB_PATH (x264) or STREAM_SDK_LIB_PATH
// (Opus) to the directory holding the native libraries.
//
// # Build Tags
//
// Optional tags disable codecs:
//   - noopus, noh264: disable specific codecs
//
// # Configuration
//
// LoadConfig reads the YAML form of RecorderConfig and ImageConfig.
// DecodeOptions accepts the same keys from a loosely typed map.
package capture
