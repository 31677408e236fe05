package location

import (
	"sort"
	"strings"
)

// Static lookup tables. Keys are lower case; cities are stored as "city, st".

type place struct {
	City  string
	State string
}

var airportCodes = map[string]place{
	"SFO": {"San Francisco", "CA"}, "OAK": {"Oakland", "CA"}, "SJC": {"San Jose", "CA"},
	"LAX": {"Los Angeles", "CA"}, "SAN": {"San Diego", "CA"},
	"JFK": {"New York", "NY"}, "LGA": {"New York", "NY"}, "NYC": {"New York", "NY"},
	"EWR": {"Newark", "NJ"},
	"ORD": {"Chicago", "IL"}, "MDW": {"Chicago", "IL"},
	"DFW": {"Dallas", "TX"}, "IAH": {"Houston", "TX"}, "HOU": {"Houston", "TX"},
	"DEN": {"Denver", "CO"}, "PHX": {"Phoenix", "AZ"}, "SEA": {"Seattle", "WA"},
	"ATL": {"Atlanta", "GA"}, "BOS": {"Boston", "MA"},
	"MIA": {"Miami", "FL"}, "FLL": {"Fort Lauderdale", "FL"}, "TPA": {"Tampa", "FL"}, "MCO": {"Orlando", "FL"},
	"MSP": {"Minneapolis", "MN"}, "DTW": {"Detroit", "MI"}, "PHL": {"Philadelphia", "PA"},
	"CLT": {"Charlotte", "NC"}, "DCA": {"Washington", "DC"}, "IAD": {"Washington", "DC"},
	"BWI": {"Baltimore", "MD"}, "SLC": {"Salt Lake City", "UT"}, "PDX": {"Portland", "OR"},
	"LAS": {"Las Vegas", "NV"}, "AUS": {"Austin", "TX"}, "SAT": {"San Antonio", "TX"},
	"MSY": {"New Orleans", "LA"}, "BNA": {"Nashville", "TN"}, "RDU": {"Raleigh", "NC"},
	"STL": {"St Louis", "MO"}, "MKE": {"Milwaukee", "WI"}, "CLE": {"Cleveland", "OH"},
	"CMH": {"Columbus", "OH"}, "IND": {"Indianapolis", "IN"}, "PIT": {"Pittsburgh", "PA"},
	"CVG": {"Cincinnati", "OH"}, "OKC": {"Oklahoma City", "OK"}, "ABQ": {"Albuquerque", "NM"},
}

var cityNicknames = map[string]place{
	"big apple": {"New York", "NY"}, "the big apple": {"New York", "NY"}, "nyc": {"New York", "NY"},
	"la": {"Los Angeles", "CA"}, "city of angels": {"Los Angeles", "CA"},
	"windy city": {"Chicago", "IL"}, "the windy city": {"Chicago", "IL"}, "chi-town": {"Chicago", "IL"},
	"bay area": {"San Francisco", "CA"}, "sf": {"San Francisco", "CA"}, "frisco": {"San Francisco", "CA"},
	"city by the bay": {"San Francisco", "CA"}, "silicon valley": {"San Jose", "CA"},
	"motor city": {"Detroit", "MI"}, "motown": {"Detroit", "MI"},
	"mile high city": {"Denver", "CO"},
	"sin city": {"Las Vegas", "NV"}, "vegas": {"Las Vegas", "NV"},
	"philly": {"Philadelphia", "PA"},
	"hotlanta": {"Atlanta", "GA"}, "atl": {"Atlanta", "GA"},
	"bean town": {"Boston", "MA"}, "beantown": {"Boston", "MA"},
	"big d": {"Dallas", "TX"}, "space city": {"Houston", "TX"}, "h-town": {"Houston", "TX"},
	"emerald city": {"Seattle", "WA"}, "queen city": {"Charlotte", "NC"},
	"twin cities": {"Minneapolis", "MN"}, "valley of the sun": {"Phoenix", "AZ"},
	"magic city": {"Miami", "FL"}, "music city": {"Nashville", "TN"},
	"big easy": {"New Orleans", "LA"}, "the big easy": {"New Orleans", "LA"}, "nola": {"New Orleans", "LA"},
	"rose city": {"Portland", "OR"}, "charm city": {"Baltimore", "MD"},
	"steel city": {"Pittsburgh", "PA"}, "alamo city": {"San Antonio", "TX"},
	"circle city": {"Indianapolis", "IN"}, "gateway city": {"St Louis", "MO"},
	"brew city": {"Milwaukee", "WI"}, "cream city": {"Milwaukee", "WI"},
}

// cityZones maps known destinations to their zone from the Fremont, CA origin
var cityZones = map[string]int{
	// Zone 2
	"san francisco, ca": 2, "oakland, ca": 2, "san jose, ca": 2, "fremont, ca": 2,
	"sacramento, ca": 2, "fresno, ca": 2, "los angeles, ca": 2, "san diego, ca": 2,
	"santa barbara, ca": 2, "bakersfield, ca": 2, "stockton, ca": 2, "modesto, ca": 2,
	"irvine, ca": 2, "long beach, ca": 2, "anaheim, ca": 2,

	// Zone 3
	"phoenix, az": 3, "tucson, az": 3, "mesa, az": 3,
	"las vegas, nv": 3, "reno, nv": 3, "henderson, nv": 3,
	"portland, or": 3, "eugene, or": 3, "salem, or": 3,
	"seattle, wa": 3, "spokane, wa": 3, "tacoma, wa": 3,
	"salt lake city, ut": 3, "provo, ut": 3, "ogden, ut": 3,
	"denver, co": 3, "colorado springs, co": 3, "aurora, co": 3, "boulder, co": 3, "fort collins, co": 3,
	"boise, id": 3, "albuquerque, nm": 3, "santa fe, nm": 3,

	// Zone 4
	"dallas, tx": 4, "houston, tx": 4, "austin, tx": 4, "san antonio, tx": 4,
	"fort worth, tx": 4, "el paso, tx": 4,
	"oklahoma city, ok": 4, "tulsa, ok": 4, "norman, ok": 4,
	"kansas city, mo": 4, "st louis, mo": 4, "springfield, mo": 4,
	"omaha, ne": 4, "lincoln, ne": 4, "wichita, ks": 4, "little rock, ar": 4,
	"des moines, ia": 4, "sioux falls, sd": 4,

	// Zone 5
	"chicago, il": 5, "springfield, il": 5, "peoria, il": 5,
	"detroit, mi": 5, "grand rapids, mi": 5, "ann arbor, mi": 5,
	"milwaukee, wi": 5, "madison, wi": 5, "green bay, wi": 5,
	"indianapolis, in": 5, "fort wayne, in": 5, "evansville, in": 5,
	"columbus, oh": 5, "cleveland, oh": 5, "cincinnati, oh": 5,
	"minneapolis, mn": 5, "st paul, mn": 5, "duluth, mn": 5,

	// Zone 6
	"atlanta, ga": 6, "savannah, ga": 6, "augusta, ga": 6,
	"nashville, tn": 6, "memphis, tn": 6, "knoxville, tn": 6,
	"charlotte, nc": 6, "raleigh, nc": 6, "durham, nc": 6,
	"miami, fl": 6, "tampa, fl": 6, "orlando, fl": 6, "jacksonville, fl": 6,
	"tallahassee, fl": 6, "pensacola, fl": 6, "fort lauderdale, fl": 6, "west palm beach, fl": 6,
	"new orleans, la": 6, "baton rouge, la": 6, "shreveport, la": 6,
	"birmingham, al": 6, "montgomery, al": 6, "mobile, al": 6,
	"jackson, ms": 6, "charleston, sc": 6, "columbia, sc": 6,

	// Zone 7
	"boston, ma": 7, "worcester, ma": 7, "cambridge, ma": 7,
	"philadelphia, pa": 7, "pittsburgh, pa": 7, "harrisburg, pa": 7,
	"baltimore, md": 7, "annapolis, md": 7, "frederick, md": 7,
	"washington, dc": 7, "richmond, va": 7, "norfolk, va": 7,
	"buffalo, ny": 7, "rochester, ny": 7, "syracuse, ny": 7, "albany, ny": 7,
	"hartford, ct": 7, "new haven, ct": 7, "providence, ri": 7,
	"portland, me": 7, "manchester, nh": 7,

	// Zone 8
	"new york, ny": 8, "manhattan, ny": 8, "brooklyn, ny": 8, "queens, ny": 8,
	"bronx, ny": 8, "staten island, ny": 8,
	"newark, nj": 8, "jersey city, nj": 8, "paterson, nj": 8,
}

var stateAbbreviations = map[string]string{
	"alabama": "AL", "alaska": "AK", "arizona": "AZ", "arkansas": "AR", "california": "CA",
	"colorado": "CO", "connecticut": "CT", "delaware": "DE", "florida": "FL", "georgia": "GA",
	"hawaii": "HI", "idaho": "ID", "illinois": "IL", "indiana": "IN", "iowa": "IA",
	"kansas": "KS", "kentucky": "KY", "louisiana": "LA", "maine": "ME", "maryland": "MD",
	"massachusetts": "MA", "michigan": "MI", "minnesota": "MN", "mississippi": "MS", "missouri": "MO",
	"montana": "MT", "nebraska": "NE", "nevada": "NV", "new hampshire": "NH", "new jersey": "NJ",
	"new mexico": "NM", "new york": "NY", "north carolina": "NC", "north dakota": "ND", "ohio": "OH",
	"oklahoma": "OK", "oregon": "OR", "pennsylvania": "PA", "rhode island": "RI", "south carolina": "SC",
	"south dakota": "SD", "tennessee": "TN", "texas": "TX", "utah": "UT", "vermont": "VT",
	"virginia": "VA", "washington": "WA", "west virginia": "WV", "wisconsin": "WI", "wyoming": "WY",
	"district of columbia": "DC",
}

// validStates is the set of two-letter codes in stateAbbreviations
var validStates = func() map[string]bool {
	m := make(map[string]bool, len(stateAbbreviations))
	for _, code := range stateAbbreviations {
		m[code] = true
	}
	return m
}()

// stateZones gives the typical zone for a state when the city is unknown
var stateZones = map[string]int{
	"CA": 2,
	"OR": 3, "WA": 3, "NV": 3, "AZ": 3, "UT": 3, "CO": 3, "ID": 3, "NM": 3,
	"MT": 4, "WY": 4, "TX": 4, "OK": 4, "KS": 4, "NE": 4, "SD": 4, "ND": 4, "MO": 4, "AR": 4, "IA": 4,
	"LA": 5, "IL": 5, "MI": 5, "IN": 5, "WI": 5, "MN": 5, "OH": 5,
	"GA": 6, "FL": 6, "SC": 6, "NC": 6, "TN": 6, "AL": 6, "MS": 6, "KY": 6, "WV": 6, "VA": 6,
	"PA": 7, "MA": 7, "CT": 7, "RI": 7, "MD": 7, "DE": 7, "DC": 7, "ME": 7, "NH": 7, "VT": 7,
	"NY": 8, "NJ": 8,
}

type zipRange struct {
	from, to int
	zone     int
}

// zipPrefixZones maps inclusive 3-digit ZIP prefix ranges to zones
var zipPrefixZones = []zipRange{
	{900, 908, 2}, {910, 928, 2}, {930, 954, 2}, {959, 961, 2},
	{820, 838, 3}, {840, 847, 3}, {850, 853, 3}, {870, 875, 3}, {877, 884, 3}, {889, 891, 3}, {893, 898, 3},
	{730, 731, 4}, {733, 741, 4}, {743, 770, 4}, {772, 799, 4},
	{430, 458, 5}, {460, 499, 5}, {600, 620, 5}, {622, 629, 5},
	{300, 342, 6}, {344, 344, 6}, {346, 347, 6}, {349, 349, 6},
	{150, 199, 7},
	{70, 89, 8}, {100, 119, 8},
}

// originZIPPrefix is Fremont, CA, the origin the zone tables are computed from
const originZIPPrefix = 945

// zipZone looks up a 3-digit prefix in the static range table
func zipZone(prefix int) (int, bool) {
	for _, r := range zipPrefixZones {
		if prefix >= r.from && prefix <= r.to {
			return r.zone, true
		}
	}
	return 0, false
}

// estimateZIPZone approximates a zone from the numeric distance between prefixes
func estimateZIPZone(prefix int) int {
	distance := prefix - originZIPPrefix
	if distance < 0 {
		distance = -distance
	}

	switch {
	case distance < 50:
		return 2
	case distance < 150:
		return 3
	case distance < 300:
		return 4
	case distance < 450:
		return 5
	case distance < 600:
		return 6
	case distance < 750:
		return 7
	default:
		return 8
	}
}

// knownCities returns the table's city names for a state, in a stable order
func knownCities(state string) []string {
	suffix := ", " + strings.ToLower(state)
	var cities []string
	for key := range cityZones {
		if city, ok := strings.CutSuffix(key, suffix); ok {
			cities = append(cities, city)
		}
	}
	sort.Strings(cities)
	return cities
}

// Canonical maps an airport code or city nickname to "City, ST" using only the
// static tables.
func Canonical(text string) (string, bool) {
	s := strings.Join(strings.Fields(text), " ")
	if len(s) == 3 {
		if p, ok := airportCodes[strings.ToUpper(s)]; ok {
			return p.City + ", " + p.State, true
		}
	}
	if p, ok := cityNicknames[strings.ToLower(s)]; ok {
		return p.City + ", " + p.State, true
	}
	return "", false
}
