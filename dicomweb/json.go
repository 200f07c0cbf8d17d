// Package dicomweb serves the QIDO-RS and WADO-RS surface, translating
// DICOMweb HTTP semantics into DIMSE dialogues through the client and
// the series cache.
package dicomweb

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomtag"
)

// Attribute is one DICOM JSON attribute value.
type Attribute struct {
	VR          string        `json:"vr"`
	Value       []interface{} `json:"Value,omitempty"`
	BulkDataURI string        `json:"BulkDataURI,omitempty"`
}

// Object is a DICOM JSON dataset: hex tag key to attribute.
type Object map[string]Attribute

func tagKey(tag dicomtag.Tag) string {
	return fmt.Sprintf("%04X%04X", tag.Group, tag.Element)
}

func vrOf(tag dicomtag.Tag) string {
	if info, err := dicomtag.Find(tag); err == nil {
		return info.VR
	}
	return "UN"
}

// attributeValue converts one raw element value to its DICOM JSON form.
// Person names become Alphabetic objects; integer strings of IS elements
// stay strings, which DICOMweb consumers accept.
func attributeValue(vr string, v interface{}) interface{} {
	switch value := v.(type) {
	case string:
		if vr == "PN" {
			return map[string]string{"Alphabetic": value}
		}
		return value
	case uint16:
		return int(value)
	case uint32:
		return int(value)
	case int32:
		return int(value)
	default:
		return value
	}
}

// DatasetToJSON converts a dataset to DICOM JSON. The dataset is not
// touched: PixelData is never inlined and is instead represented by a
// BulkDataURI attribute pointing at bulkURI when that is non-empty.
func DatasetToJSON(ds *dicom.DataSet, bulkURI string) Object {
	obj := make(Object, len(ds.Elements))
	for _, elem := range ds.Elements {
		if elem.Tag.Group == 0x0002 {
			// File meta group is not part of DICOMweb metadata.
			continue
		}
		if elem.Tag == dicomtag.PixelData {
			if bulkURI != "" {
				obj[tagKey(elem.Tag)] = Attribute{VR: "OW", BulkDataURI: bulkURI}
			}
			continue
		}
		vr := vrOf(elem.Tag)
		attr := Attribute{VR: vr}
		for _, v := range elem.Value {
			if _, isBytes := v.([]byte); isBytes {
				// Other binary attributes are omitted rather than inlined.
				continue
			}
			attr.Value = append(attr.Value, attributeValue(vr, v))
		}
		if len(attr.Value) == 0 && len(elem.Value) > 0 {
			continue
		}
		obj[tagKey(elem.Tag)] = attr
	}
	return obj
}

// setString adds one string attribute, skipping empty values so QIDO
// responses only carry what the peer returned.
func (o Object) setString(tag dicomtag.Tag, value string) {
	if value == "" {
		return
	}
	vr := vrOf(tag)
	o[tagKey(tag)] = Attribute{VR: vr, Value: []interface{}{attributeValue(vr, value)}}
}

// setInt adds one integer attribute parsed from a numeric string.
func (o Object) setInt(tag dicomtag.Tag, value string) {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		o.setString(tag, value)
		return
	}
	o[tagKey(tag)] = Attribute{VR: vrOf(tag), Value: []interface{}{n}}
}
