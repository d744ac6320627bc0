package warp

import "strings"

// coloCities maps Cloudflare colo codes to city names. Unknown codes are
// shown verbatim.
var coloCities = map[string]string{
	"LAX": "Los Angeles",
	"SJC": "San Jose",
	"ORD": "Chicago",
	"IAD": "Ashburn",
	"EWR": "Newark",
	"MIA": "Miami",
	"DFW": "Dallas",
	"SEA": "Seattle",
	"ATL": "Atlanta",
	"LHR": "London",
	"CDG": "Paris",
	"FRA": "Frankfurt",
	"AMS": "Amsterdam",
	"SIN": "Singapore",
	"HKG": "Hong Kong",
	"NRT": "Tokyo",
	"SYD": "Sydney",
	"ICN": "Seoul",
	"BOM": "Mumbai",
	"GRU": "São Paulo",
}

// countryNames maps ISO 3166-1 alpha-2 codes to display names. Unknown
// codes are shown verbatim.
var countryNames = map[string]string{
	"US": "United States",
	"CN": "China",
	"JP": "Japan",
	"GB": "United Kingdom",
	"DE": "Germany",
	"FR": "France",
	"CA": "Canada",
	"AU": "Australia",
	"SG": "Singapore",
	"IN": "India",
	"BR": "Brazil",
	"KR": "South Korea",
	"NL": "Netherlands",
	"SE": "Sweden",
	"IT": "Italy",
	"ES": "Spain",
	"RU": "Russia",
	"HK": "Hong Kong",
	"TW": "Taiwan",
}

func CityFromColo(colo string) string {
	if city, ok := coloCities[strings.ToUpper(colo)]; ok {
		return city
	}
	return colo
}

func CountryName(code string) string {
	if name, ok := countryNames[strings.ToUpper(code)]; ok {
		return name
	}
	return code
}
