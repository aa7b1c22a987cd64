package services

import (
	"hash/fnv"
	"strings"
)

// Stock ElevenLabs voices offered to agents created without an explicit voice.
var stockVoices = map[string][]string{
	"female": {
		"EXAVITQu4vr4xnSDxMaL", // Sarah
		"21m00Tcm4TlvDq8ikWAM", // Rachel
		"AZnzlk1XvdvUeBnXmlld", // Domi
		"MF3mGyEYCl7XYWbV9V6O", // Elli
	},
	"male": {
		"pNInz6obpgDQGcFmaJgB", // Adam
		"TxGEqnHWrfWFTfGW9XjX", // Josh
		"VR6AewLTigWG4xSOukaG", // Arnold
		"ErXwobaYiN019PkySvjV", // Antoni
	},
}

const fallbackVoiceID = "pNInz6obpgDQGcFmaJgB"

// DefaultVoiceFor picks a stock voice for an agent. The same (name, gender)
// always yields the same voice so re-creating an agent keeps its sound.
func DefaultVoiceFor(agentName, gender string) string {
	pool, ok := stockVoices[strings.ToLower(strings.TrimSpace(gender))]
	if !ok {
		pool = append(append([]string{}, stockVoices["female"]...), stockVoices["male"]...)
	}
	if len(pool) == 0 {
		return fallbackVoiceID
	}
	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(agentName))))
	return pool[h.Sum32()%uint32(len(pool))]
}
