package tts

/*
#cgo LDFLAGS: -lespeak-ng
#include <stdlib.h>
#include <string.h>
#include <espeak-ng/speak_lib.h>

static int initialized = 0;

int
espeak_say(const char *text, const char *lang, int rate)
{
	if (!text)
	{ return -1; }

	if (!initialized)
	{
		if (espeak_Initialize(AUDIO_OUTPUT_SYNCH_PLAYBACK, 500, NULL, 0) < 0)
		{ return -2; }
		initialized = 1;
	}

	espeak_VOICE specs = { 0 };
	specs.languages = lang;
	if (espeak_SetVoiceByProperties(&specs) != EE_OK)
	{ return -3; }

	if (rate > 0)
	{ espeak_SetParameter(espeakRATE, rate, 0); }

	if (espeak_Synth(text, strlen(text) + 1, 0, POS_CHARACTER, 0, espeakCHARS_AUTO, NULL, NULL) != EE_OK)
	{ return -4; }

	return espeak_Synchronize() == EE_OK ? 0 : -5;
}
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"
)

// Voice selects the espeak-ng voice used by Speak.
type Voice struct {
	Language string // espeak voice language, e.g. "en-us"
	Rate     int    // words per minute, 0 keeps the engine default
}

var mu sync.Mutex

// Speaker returns a function that speaks text with v and blocks until
// playback finishes.
func Speaker(v Voice) func(string) error {
	if v.Language == "" {
		v.Language = "en"
	}
	return func(text string) error {
		return Speak(v, text)
	}
}

func Speak(v Voice, text string) error {
	if text == "" {
		return nil
	}

	ctext := C.CString(text)
	defer C.free(unsafe.Pointer(ctext))
	clang := C.CString(v.Language)
	defer C.free(unsafe.Pointer(clang))

	mu.Lock()
	defer mu.Unlock()

	if rc := C.espeak_say(ctext, clang, C.int(v.Rate)); rc != 0 {
		return fmt.Errorf("espeak_say failed: %d", int(rc))
	}
	return nil
}
