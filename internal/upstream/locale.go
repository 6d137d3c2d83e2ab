package upstream

import (
	"regexp"
	"strings"
)

// DefaultLocale is used when a URL carries no locale hint.
const DefaultLocale = "en"

var (
	// https://airbnb.cz/rooms/1, https://www.airbnb.co.id/rooms/1, https://www.airbnb.com.ar/rooms/1
	domainPattern = regexp.MustCompile(`(?i)airbnb(?:\.[a-z]{2,3})?\.([a-z]{2})/`)
	// https://cs.airbnb.com/rooms/1; www and api are not locales.
	prefixPattern = regexp.MustCompile(`(?i)//(?:w{3})?(?:api)?([a-z]{2})\.airbnb`)
)

var domainLocales = map[string]string{
	"cz": "cs", "sk": "sk", "us": "zh-TW", "gb": "en-GB", "au": "en-AU",
	"ch": "it-CH", "az": "az", "id": "id", "ba": "bs", "es": "es",
	"me": "sr-ME", "dk": "da", "de": "de", "at": "de-AT", "ee": "et",
	"ca": "fr-CA", "gy": "en", "in": "hi", "ie": "ga", "nz": "en-NZ",
	"sg": "en-SG", "ae": "en", "ar": "es-AR", "bz": "es-XL", "bo": "es-XL",
	"cl": "es-XL", "co": "es-XL", "cr": "es-XL", "ec": "es-XL", "sv": "es-XL",
	"gt": "es-XL", "hn": "es-XL", "mx": "es-419", "ni": "es-XL", "pa": "es-XL",
	"py": "es-XL", "pe": "es-XL", "ve": "es-XL", "be": "nl-BE", "fr": "fr",
	"za": "zu", "is": "is", "it": "it", "lv": "lv", "lt": "lt",
	"hu": "hu", "mt": "mt", "my": "ms", "nl": "nl", "no": "no",
	"pl": "pl", "br": "pt", "pt": "pt-PT", "ro": "ro", "al": "sq",
	"si": "sl", "rs": "sr", "fi": "fi", "se": "sv", "ph": "tl",
	"vn": "vi", "tr": "tr", "gr": "el", "bg": "bg", "mk": "mk",
	"ru": "ru", "ua": "uk", "ge": "ka", "am": "hy", "il": "he",
	"th": "th", "kr": "ko", "jp": "ja", "cn": "zh", "hk": "zh-HK",
	"tw": "zh-TW",
}

// LocaleFromURL derives the request locale of a listing URL. A locale
// subdomain wins over the country domain.
func LocaleFromURL(raw string) string {
	if m := prefixPattern.FindStringSubmatch(raw); m != nil {
		return strings.ToLower(m[1])
	}
	if m := domainPattern.FindStringSubmatch(raw); m != nil {
		if locale, ok := domainLocales[strings.ToLower(m[1])]; ok {
			return locale
		}
	}
	return DefaultLocale
}
