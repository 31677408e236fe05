package location

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/tributary-ai/shipping-assistant/internal/providers"
	"github.com/tributary-ai/shipping-assistant/internal/routing"
	"github.com/tributary-ai/shipping-assistant/internal/types"
)

// ErrEmptyLocation is returned when there is nothing to resolve
var ErrEmptyLocation = errors.New("empty location")

// Method names the resolution path that recognized the input
type Method string

const (
	MethodZIP       Method = "zip"
	MethodAirport   Method = "airport"
	MethodNickname  Method = "nickname"
	MethodCityState Method = "city_state"
	MethodKnownCity Method = "known_city"
	MethodInferred  Method = "inferred"
)

// ZoneSource names the zone table tier that produced the zone
type ZoneSource string

const (
	ZoneExact       ZoneSource = "exact"
	ZoneApproximate ZoneSource = "approximate"
	ZoneState       ZoneSource = "state"
	ZoneDefault     ZoneSource = "default"
)

// Confidence grades how much the resolution relied on fallbacks
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Resolution is the canonical form of a location and its shipping zone
type Resolution struct {
	Input       string     `json:"input"`
	City        string     `json:"city"`
	State       string     `json:"state"`
	Zone        int        `json:"zone"`
	Confidence  Confidence `json:"confidence"`
	Method      Method     `json:"method"`
	ZoneSource  ZoneSource `json:"zone_source"`
	Explanation string     `json:"explanation"`
}

// Label renders the resolved place for display
func (r Resolution) Label() string {
	switch {
	case r.City != "" && r.State != "":
		return r.City + ", " + r.State
	case r.City != "":
		return r.City
	default:
		return r.Input
	}
}

// Config holds resolver tuning
type Config struct {
	CacheSize int `yaml:"cache_size"`
}

// Resolver maps free-form location text to a (city, state, zone) triple.
// It is safe for concurrent use.
type Resolver struct {
	llm    providers.Completer
	cache  *lru.Cache[string, Resolution]
	group  singleflight.Group
	logger *logrus.Logger
}

const geographySystemPrompt = "You are a US geography expert."

var (
	zipPattern       = regexp.MustCompile(`^(\d{5})(?:-\d{4})?$`)
	cityStatePattern = regexp.MustCompile(`^\s*([^,]+?)\s*,\s*([A-Za-z]{2})\b`)
	spacePattern     = regexp.MustCompile(`\s+`)
)

// sortedCityKeys fixes the scan order of approximate matching
var sortedCityKeys = func() []string {
	keys := make([]string, 0, len(cityZones))
	for k := range cityZones {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}()

// NewResolver creates a resolver; llm may be nil, in which case LLM-backed steps are skipped
func NewResolver(llm providers.Completer, config Config, logger *logrus.Logger) (*Resolver, error) {
	size := config.CacheSize
	if size <= 0 {
		size = 1024
	}

	cache, err := lru.New[string, Resolution](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create location cache: %w", err)
	}

	return &Resolver{
		llm:    llm,
		cache:  cache,
		logger: logger,
	}, nil
}

// Resolve maps location text to a Resolution. It never fails over an unknown
// place; only an empty input or an unreachable LLM backend return an error.
func (r *Resolver) Resolve(ctx context.Context, text string) (Resolution, error) {
	input := strings.TrimSpace(spacePattern.ReplaceAllString(text, " "))
	if input == "" {
		return Resolution{}, ErrEmptyLocation
	}

	key := strings.ToLower(input)
	if res, ok := r.cache.Get(key); ok {
		return res, nil
	}

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		res, degraded, err := r.resolve(ctx, input)
		if err != nil {
			return Resolution{}, err
		}
		// A timed-out LLM step is retried on the next request rather than memoized
		if !degraded {
			r.cache.Add(key, res)
		}
		return res, nil
	})
	if err != nil {
		return Resolution{}, err
	}

	res := v.(Resolution)
	r.logger.WithFields(logrus.Fields{
		"input":       input,
		"zone":        res.Zone,
		"method":      res.Method,
		"zone_source": res.ZoneSource,
	}).Debug("Location resolved")

	return res, nil
}

// resolution accumulates explanation fragments while a path runs
type resolution struct {
	Resolution
	notes    []string
	degraded bool
}

func (b *resolution) note(format string, args ...interface{}) {
	b.notes = append(b.notes, fmt.Sprintf(format, args...))
}

func (r *Resolver) resolve(ctx context.Context, input string) (Resolution, bool, error) {
	b := &resolution{Resolution: Resolution{Input: input}}

	// 1. ZIP code
	if m := zipPattern.FindStringSubmatch(input); m != nil {
		r.resolveZIP(b, m[1])
		return b.finish(), false, nil
	}

	// 2. Airport code
	if p, ok := airportCodes[strings.ToUpper(input)]; ok && len(input) == 3 {
		b.Method = MethodAirport
		b.City, b.State = p.City, p.State
		b.note("Recognized '%s' as airport code for %s, %s", strings.ToUpper(input), p.City, p.State)
		r.assignZone(b)
		return b.finish(), false, nil
	}

	// 3. City nickname
	if p, ok := cityNicknames[strings.ToLower(input)]; ok {
		b.Method = MethodNickname
		b.City, b.State = p.City, p.State
		b.note("Recognized '%s' as nickname for %s, %s", input, p.City, p.State)
		r.assignZone(b)
		return b.finish(), false, nil
	}

	// 4. "City, State" or "City ST"
	if city, state, ok := splitCityState(input); ok {
		b.Method = MethodCityState
		if err := r.resolveCityState(ctx, b, city, state); err != nil {
			return Resolution{}, false, err
		}
		r.assignZone(b)
		return b.finish(), b.degraded, nil
	}

	// 5. Bare name: a unique table city, else ask the model
	if p, ok := uniqueKnownCity(input); ok {
		b.Method = MethodKnownCity
		b.City, b.State = p.City, p.State
		b.note("Matched '%s' to known city %s, %s", input, p.City, p.State)
		r.assignZone(b)
		return b.finish(), false, nil
	}

	b.Method = MethodInferred
	if err := r.inferLocation(ctx, b, input); err != nil {
		return Resolution{}, false, err
	}
	r.assignZone(b)
	return b.finish(), b.degraded, nil
}

func (r *Resolver) resolveZIP(b *resolution, zip string) {
	b.Method = MethodZIP
	b.City = zip
	prefix, _ := strconv.Atoi(zip[:3])

	if zone, ok := zipZone(prefix); ok {
		b.Zone, b.ZoneSource = zone, ZoneExact
		b.note("ZIP %s is in Zone %d", zip, zone)
		return
	}

	b.Zone, b.ZoneSource = estimateZIPZone(prefix), ZoneApproximate
	b.note("ZIP %s estimated as Zone %d (approximate)", zip, b.Zone)
}

func (r *Resolver) resolveCityState(ctx context.Context, b *resolution, rawCity, rawState string) error {
	state, err := r.normalizeState(ctx, b, rawState)
	if err != nil {
		return err
	}

	city := titleCase(rawCity)
	if _, ok := cityZones[cityKey(city, state)]; !ok && validStates[state] {
		corrected, err := r.correctCity(ctx, b, city, state)
		if err != nil {
			return err
		}
		if corrected != city {
			b.note("Corrected city name from '%s' to '%s'", city, corrected)
			city = corrected
		}
	}

	b.City, b.State = city, state
	b.note("Parsed as %s, %s", city, state)
	return nil
}

// normalizeState maps a state name or abbreviation to its two-letter code
func (r *Resolver) normalizeState(ctx context.Context, b *resolution, raw string) (string, error) {
	upper := strings.ToUpper(strings.TrimSpace(raw))
	if len(upper) == 2 && validStates[upper] {
		return upper, nil
	}
	if code, ok := stateAbbreviations[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return code, nil
	}

	prompt := fmt.Sprintf(`Convert this US state name or abbreviation to the correct 2-letter USPS abbreviation.

User input: "%s"

Examples:
- "CAL" -> "CA"
- "Californa" -> "CA"
- "New Yor" -> "NY"
- "Texa" -> "TX"
- "Florda" -> "FL"

Return ONLY the 2-letter state code, nothing else.
If you cannot determine the state, return "UNKNOWN".`, raw)

	answer, ok, err := r.ask(ctx, b, "state_normalization", prompt)
	if err != nil || !ok {
		return upper, err
	}

	code := strings.ToUpper(strings.Trim(strings.TrimSpace(answer), `"'.`))
	if len(code) >= 2 && validStates[code[:2]] {
		return code[:2], nil
	}

	r.logger.WithField("state", raw).Warn("Could not normalize state")
	return upper, nil
}

// correctCity asks the model to fix a misspelled city, accepting only known cities of the state
func (r *Resolver) correctCity(ctx context.Context, b *resolution, city, state string) (string, error) {
	known := knownCities(state)
	if len(known) == 0 {
		return city, nil
	}

	listed := known
	if len(listed) > 10 {
		listed = listed[:10]
	}

	prompt := fmt.Sprintf(`Correct this city name if it has typos.

City input: "%s"
State: %s

Known cities in %s: %s

Examples of corrections:
- "Los Angels" -> "Los Angeles"
- "San Fransisco" -> "San Francisco"
- "Filadelfya" -> "Philadelphia"
- "Denvar" -> "Denver"
- "Chicgo" -> "Chicago"

Return ONLY the correctly spelled city name.
If the city seems correct or you cannot determine it, return it as-is.`, city, state, state, strings.Join(titleAll(listed), ", "))

	answer, ok, err := r.ask(ctx, b, "city_correction", prompt)
	if err != nil || !ok {
		return city, err
	}

	candidate := strings.ToLower(strings.Trim(strings.TrimSpace(answer), `"'.`))
	for _, k := range known {
		if k == candidate {
			return titleCase(k), nil
		}
	}
	return city, nil
}

// inferLocation asks the model to identify a bare place name
func (r *Resolver) inferLocation(ctx context.Context, b *resolution, input string) error {
	prompt := fmt.Sprintf(`Identify this US location and return the city name and state abbreviation.

Location: "%s"

Consider:
- Major US cities (Denver, Boston, Miami, etc.)
- Common misspellings
- Regional references

Return in this exact format: City, ST
For example: Denver, CO or Boston, MA

If you cannot determine the location, return: Unknown, CA`, input)

	answer, ok, err := r.ask(ctx, b, "location_inference", prompt)
	if err != nil {
		return err
	}

	if ok {
		if m := cityStatePattern.FindStringSubmatch(answer); m != nil {
			city, state := titleCase(m[1]), strings.ToUpper(m[2])
			if !strings.EqualFold(city, "unknown") && validStates[state] {
				b.City, b.State = city, state
				b.note("Inferred location as %s, %s", city, state)
				return nil
			}
		}
	}

	b.City = titleCase(input)
	b.note("Could not identify '%s'", input)
	return nil
}

// ask runs one LLM step. ok is false when the step degraded; err is set only
// when the backend is unreachable.
func (r *Resolver) ask(ctx context.Context, b *resolution, step, prompt string) (string, bool, error) {
	if r.llm == nil {
		return "", false, nil
	}

	answer, err := r.llm.Complete(ctx, geographySystemPrompt, prompt)
	if err != nil {
		if errors.Is(err, routing.ErrBackendUnavailable) {
			return "", false, fmt.Errorf("location %s: %w", step, err)
		}
		r.logger.WithError(err).WithField("step", step).Warn("Location LLM step failed, using input as-is")
		b.degraded = true
		return "", false, nil
	}
	return answer, true, nil
}

// assignZone walks the zone tiers: exact city, approximate city, state, default
func (r *Resolver) assignZone(b *resolution) {
	if zone, ok := cityZones[cityKey(b.City, b.State)]; ok {
		b.Zone, b.ZoneSource = zone, ZoneExact
		b.note("Found %s, %s in zone database", b.City, b.State)
		return
	}

	if zone, ok := approximateZone(b.City, b.State); ok {
		b.Zone, b.ZoneSource = zone, ZoneApproximate
		b.note("Matched %s approximately in zone database", b.City)
		return
	}

	if zone, ok := stateZones[b.State]; ok {
		b.Zone, b.ZoneSource = zone, ZoneState
		b.note("Estimated zone based on state %s", b.State)
		return
	}

	b.Zone, b.ZoneSource = types.DefaultZone, ZoneDefault
	b.note("Default zone estimate")
}

func (b *resolution) finish() Resolution {
	res := b.Resolution
	res.Explanation = strings.Join(b.notes, "; ")

	switch res.ZoneSource {
	case ZoneExact:
		res.Confidence = ConfidenceHigh
	case ZoneApproximate, ZoneState:
		res.Confidence = ConfidenceMedium
	default:
		res.Confidence = ConfidenceLow
	}
	if res.Method == MethodInferred && res.Confidence == ConfidenceHigh {
		res.Confidence = ConfidenceMedium
	}
	return res
}

// approximateZone finds a table key containing the city, preferring the same state
func approximateZone(city, state string) (int, bool) {
	name := strings.ToLower(city)
	if len(name) < 3 {
		return 0, false
	}

	fallback, found := 0, false
	for _, key := range sortedCityKeys {
		if !strings.Contains(key, name) {
			continue
		}
		if state != "" && strings.HasSuffix(key, ", "+strings.ToLower(state)) {
			return cityZones[key], true
		}
		if !found {
			fallback, found = cityZones[key], true
		}
	}
	if state != "" && validStates[state] {
		// A known state with no matching city falls through to the state tier
		return 0, false
	}
	return fallback, found
}

// splitCityState recognizes "City, State" and "City ST"
func splitCityState(input string) (string, string, bool) {
	if i := strings.LastIndex(input, ","); i > 0 {
		city := strings.TrimSpace(input[:i])
		state := strings.TrimSpace(input[i+1:])
		// Drop a trailing ZIP in "City, ST 94538"
		if fields := strings.Fields(state); len(fields) > 1 && zipPattern.MatchString(fields[len(fields)-1]) {
			state = strings.Join(fields[:len(fields)-1], " ")
		}
		if city != "" && state != "" {
			return city, state, true
		}
		return "", "", false
	}

	fields := strings.Fields(input)
	if len(fields) < 2 {
		return "", "", false
	}
	last := fields[len(fields)-1]
	if len(last) == 2 && strings.ToUpper(last) == last && validStates[last] {
		return strings.Join(fields[:len(fields)-1], " "), last, true
	}
	return "", "", false
}

// uniqueKnownCity matches a bare name against the table when exactly one state has it
func uniqueKnownCity(input string) (place, bool) {
	name := strings.ToLower(input)
	var match string
	for _, key := range sortedCityKeys {
		city, state, _ := strings.Cut(key, ", ")
		if city != name {
			continue
		}
		if match != "" {
			return place{}, false
		}
		match = strings.ToUpper(state)
	}
	if match == "" {
		return place{}, false
	}
	return place{City: titleCase(name), State: match}, true
}

func cityKey(city, state string) string {
	return strings.ToLower(city) + ", " + strings.ToLower(state)
}

// titleCase capitalizes each word; a Caser is not safe to share across goroutines
func titleCase(s string) string {
	return cases.Title(language.AmericanEnglish).String(strings.TrimSpace(s))
}

func titleAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = titleCase(s)
	}
	return out
}
