package gateway

import "unicode"

// DetectLanguage assigns a coarse language tag on intake. It only needs to
// separate the two corpora the system actually serves; anything else is
// tagged undetermined.
func DetectLanguage(text string) string {
	var letters, turkish int
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		switch unicode.ToLower(r) {
		case 'ğ', 'ş', 'ı', 'ç', 'ö', 'ü':
			turkish++
		}
	}
	switch {
	case letters == 0:
		return "und"
	case turkish > 0:
		return "tr"
	default:
		return "en"
	}
}
