// Package audiocore defines the shared vocabulary of the capture core:
// immutable audio frames, stream formats, input source selection and the
// injected device-access capability that audio readers open devices through.
//
// Data flows through the subpackages as
//
//	capture.Reader (one per source)
//	    -> streamsync.Synchronizer (pass-through or stereo merge)
//	    -> processors.Pipeline (noise reduction, normalization, silence trimming)
//	    -> session.Buffer
//
// with recorder.Controller owning the lifetime of the whole chain.
//
// Device implementations live under sources/: malgo for hardware capture
// and loopback, file for WAV/FLAC replay and synthetic for generated audio.
package audiocore
