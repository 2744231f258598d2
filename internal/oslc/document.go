// Package oslc renders the OSLC monitoring document served to monitor
// requests and extracts the fields a verify request carries in its
// RDF/XML payload.
//
// The document is a fixed shape: eight resource measures, an
// AutomationResult holding the five textual outcome slots, and a creator
// element. Only the slot values change between polls, so the shape lives in
// a data table and rendering is a single marshal.
package oslc

import (
	"encoding/xml"
	"regexp"
	"strconv"

	"github.com/tkratochvila/VerifyServer/internal/archive"
	verrors "github.com/tkratochvila/VerifyServer/internal/errors"
)

// DefaultCreator identifies the server in the document's creator element
// unless configuration overrides it.
const DefaultCreator = "VerifyServer"

// DefaultRedactPattern strips the verbose compilation preamble some tool
// wrappers prepend to their error output. It matches the error-output slot
// value; deployments facing different wrappers configure their own list.
const DefaultRedactPattern = `\s*compiling\s+[/\w.]+\s+a report was written to [\w.]+\s*`

const (
	nsRDF      = "http://www.w3.org/1999/02/22-rdf-syntax-ns#"
	nsRDFS     = "http://www.w3.org/2000/01/rdf-schema#"
	nsOWL      = "http://www.w3.org/2002/07/owl"
	nsDCTerms  = "http://purl.org/dc/terms/"
	nsPerfMon  = "http://open-services.net/ns/perfmon#"
	nsEMS      = "http://open-services.net/ns/ems#"
	nsOSLCAuto = "http://open-services.net/ns/auto#"

	measureResource = "http://open-services.net/ns/ems#Measure"
	autoResultRef   = "http://open-services.net/ns/auto#AutomationResult"
	resultAbout     = "http://example.org/autoresults/3456"

	unitBytes = "http://open-services.net/ns/ems/unit#Bytes"
	unitChar  = "http://open-services.net/ns/ems/unit#Char"
	unitPct   = "dbp:Percentage"
	unitText  = "string"

	dtInteger    = "http://www.w3.org/2001/XMLSchema#integer"
	dtFloat      = "http://www.w3.org/2001/XMLSchema#float"
	dtString     = "http://www.w3.org/2001/XMLSchema#string"
	dtStringWide = "http://www.w3.org/2001/XMLSchema#String"
	dtCharacters = "characters"

	textMetric = "foo"
)

// Slots of the monitoring document, in document order.
const (
	slotPID = iota
	slotRunningResult
	slotMemFree
	slotMemFreePct
	slotCPUUser
	slotCPUSys
	slotVSize
	slotRSS
	slotStdOutput
	slotErrOutput
	slotPartVerResult
	slotReturnCode
	slotParsedOutput
	slotCount
)

// measureSpec describes one rdf:description measure. A measure whose title
// is empty takes the automation-plan name as its title at render time.
type measureSpec struct {
	title    string
	metric   string
	unit     string
	datatype string
	slot     int
}

var topMeasures = []measureSpec{
	{"Process ID", "pm:MemoryMetrics", unitBytes, dtInteger, slotPID},
	{"", autoResultRef, unitChar, dtStringWide, slotRunningResult},
	{"Free Memory in Absolute Value", "pm:MemoryMetrics", unitBytes, dtInteger, slotMemFree},
	{"Free Memory in Percentage", "pm:MemoryMetrics", unitBytes, dtInteger, slotMemFreePct},
	{"CPU Usage (user)", "pm:CPUMetrics", unitPct, dtFloat, slotCPUUser},
	{"CPU Usage (system)", "pm:CPUMetrics", unitPct, dtFloat, slotCPUSys},
	{"Consumed Memory Usage (vsize)", "pm:MemoryMetrics", unitBytes, dtInteger, slotVSize},
	{"Memory Usage (rss)", "pm:MemoryMetrics", unitBytes, dtInteger, slotRSS},
}

var resultMeasures = []measureSpec{
	{"Standard Output", textMetric, unitText, dtString, slotStdOutput},
	{"Error Output", textMetric, unitText, dtCharacters, slotErrOutput},
	{"partVerResult", textMetric, unitText, dtString, slotPartVerResult},
	{"retCode", textMetric, unitText, dtString, slotReturnCode},
	{"parsedOutput", textMetric, unitText, dtString, slotParsedOutput},
}

type resourceRef struct {
	Resource string `xml:"rdf:resource,attr"`
}

type typedValue struct {
	Datatype string `xml:"rdf:datatype,attr"`
	Value    string `xml:",chardata"`
}

type measureElem struct {
	XMLName xml.Name    `xml:"rdf:description"`
	About   string      `xml:"rdf:about,attr"`
	Type    resourceRef `xml:"rdf:type"`
	Title   string      `xml:"dcterms:title"`
	Metric  resourceRef `xml:"ems:metric"`
	Unit    resourceRef `xml:"ems:unitOfMeasure"`
	Value   typedValue  `xml:"ems:numericValue"`
}

type resultElem struct {
	XMLName  xml.Name `xml:"oslc_auto:AutomationResult"`
	About    string   `xml:"rdf:about,attr"`
	Measures []measureElem
}

type creatorElem struct {
	XMLName  xml.Name `xml:"dcterms:creator"`
	Resource string   `xml:"rdf:resource,attr"`
}

type monitoringDoc struct {
	XMLName    xml.Name `xml:"rdf:RDF"`
	NSRDF      string   `xml:"xmlns:rdf,attr"`
	NSRDFS     string   `xml:"xmlns:rdfs,attr"`
	NSOWL      string   `xml:"xmlns:owl,attr"`
	NSDCTerms  string   `xml:"xmlns:dcterms,attr"`
	NSPerfMon  string   `xml:"xmlns:pm,attr"`
	NSEMS      string   `xml:"xmlns:ems,attr"`
	NSOSLCAuto string   `xml:"xmlns:oslc_auto,attr"`
	Measures   []measureElem
	Result     resultElem
	Creator    creatorElem
}

// RenderMonitoring serialises the monitoring document for one report
// snapshot. Redactors are applied to the error-output slot value before it
// is inserted, so they never depend on serialisation whitespace.
func RenderMonitoring(snap archive.Snapshot, creator string, redactors []*regexp.Regexp) (string, error) {
	errOutput := snap.ErrOutput
	for _, re := range redactors {
		errOutput = re.ReplaceAllString(errOutput, "")
	}

	var values [slotCount]string
	values[slotPID] = strconv.Itoa(snap.PID)
	values[slotRunningResult] = snap.RunningResult
	values[slotMemFree] = strconv.FormatUint(snap.Last.MemFree/(1<<20), 10)
	values[slotMemFreePct] = strconv.Itoa(int(snap.Last.MemFreePct))
	values[slotCPUUser] = strconv.FormatFloat(snap.Last.CPUUserPct, 'f', 6, 64)
	values[slotCPUSys] = strconv.FormatFloat(snap.Last.CPUSysPct, 'f', 6, 64)
	values[slotVSize] = strconv.FormatUint(snap.Last.VSize, 10)
	values[slotRSS] = strconv.FormatUint(snap.Last.RSS, 10)
	values[slotStdOutput] = snap.StdOutput
	values[slotErrOutput] = errOutput
	values[slotPartVerResult] = snap.PartVerResult
	values[slotReturnCode] = strconv.Itoa(snap.ReturnCode)
	values[slotParsedOutput] = snap.ParsedOutput

	doc := monitoringDoc{
		NSRDF:      nsRDF,
		NSRDFS:     nsRDFS,
		NSOWL:      nsOWL,
		NSDCTerms:  nsDCTerms,
		NSPerfMon:  nsPerfMon,
		NSEMS:      nsEMS,
		NSOSLCAuto: nsOSLCAuto,
		Measures:   buildMeasures(topMeasures, snap, values),
		Result: resultElem{
			About:    resultAbout,
			Measures: buildMeasures(resultMeasures, snap, values),
		},
		Creator: creatorElem{Resource: creator},
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", verrors.Wrap(verrors.KindInternal, "oslc.render_monitoring", err)
	}
	return string(out), nil
}

func buildMeasures(specs []measureSpec, snap archive.Snapshot, values [slotCount]string) []measureElem {
	elems := make([]measureElem, 0, len(specs))
	for _, spec := range specs {
		title := spec.title
		if title == "" {
			title = snap.PlanName
		}
		elems = append(elems, measureElem{
			About:  snap.Address + " " + title,
			Type:   resourceRef{Resource: measureResource},
			Title:  title,
			Metric: resourceRef{Resource: spec.metric},
			Unit:   resourceRef{Resource: spec.unit},
			Value:  typedValue{Datatype: spec.datatype, Value: values[spec.slot]},
		})
	}
	return elems
}

// CompileRedactors turns configured patterns into regexps, rejecting the
// whole list on the first bad pattern.
func CompileRedactors(patterns []string) ([]*regexp.Regexp, error) {
	redactors := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, verrors.New(verrors.KindMalformed, "oslc.compile_redactors",
				"invalid redaction pattern %q: %v", p, err)
		}
		redactors = append(redactors, re)
	}
	return redactors, nil
}
