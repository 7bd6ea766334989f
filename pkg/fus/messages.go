package fus

import (
	"encoding/xml"
	"strconv"
	"strings"
)

// dataField is the <NAME><Data>value</Data></NAME> wrapper every FUS field uses
type dataField struct {
	XMLName xml.Name
	Data    string `xml:"Data"`
}

type fusMsgRequest struct {
	XMLName xml.Name `xml:"FUSMsg"`
	Hdr     struct {
		ProtoVer string `xml:"ProtoVer"`
	} `xml:"FUSHdr"`
	Body struct {
		Put struct {
			Fields []dataField
		} `xml:"Put"`
	} `xml:"FUSBody"`
}

func newRequest(fields ...[2]string) *fusMsgRequest {
	m := &fusMsgRequest{}
	m.Hdr.ProtoVer = "1.0"
	for _, f := range fields {
		m.Body.Put.Fields = append(m.Body.Put.Fields, dataField{XMLName: xml.Name{Local: f[0]}, Data: f[1]})
	}
	return m
}

func (m *fusMsgRequest) marshal() ([]byte, error) {
	return xml.Marshal(m)
}

func binaryInformRequest(q DeviceQuery, version, logicCheck string) *fusMsgRequest {
	fields := [][2]string{
		{"ACCESS_MODE", "2"},
		{"BINARY_NATURE", "1"},
		{"CLIENT_PRODUCT", "Smart Switch"},
		{"DEVICE_FW_VERSION", version},
		{"DEVICE_LOCAL_CODE", q.Region},
		{"DEVICE_MODEL_NAME", q.Model},
	}
	if q.IMEI != "" {
		fields = append(fields, [2]string{"DEVICE_IMEI_PUSH", q.IMEI})
	}
	fields = append(fields, [2]string{"LOGIC_CHECK", logicCheck})
	return newRequest(fields...)
}

func binaryInitRequest(filename, logicCheck string) *fusMsgRequest {
	return newRequest(
		[2]string{"BINARY_FILE_NAME", filename},
		[2]string{"LOGIC_CHECK", logicCheck},
	)
}

// fusMsgResponse is the reply to BinaryInform and BinaryInitForMass
type fusMsgResponse struct {
	XMLName xml.Name `xml:"FUSMsg"`
	Body    struct {
		Results struct {
			Status          string    `xml:"Status"`
			LatestFWVersion dataField `xml:"LATEST_FW_VERSION"`
		} `xml:"Results"`
		Put struct {
			Fields []dataField `xml:",any"`
		} `xml:"Put"`
	} `xml:"FUSBody"`
}

func parseResponse(data []byte) (*fusMsgResponse, error) {
	var r fusMsgResponse
	if err := xml.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// status returns the service status code carried in the body (0 if absent)
func (r *fusMsgResponse) status() int {
	s, err := strconv.Atoi(strings.TrimSpace(r.Body.Results.Status))
	if err != nil {
		return 0
	}
	return s
}

func (r *fusMsgResponse) field(name string) string {
	for _, f := range r.Body.Put.Fields {
		if f.XMLName.Local == name {
			return strings.TrimSpace(f.Data)
		}
	}
	return ""
}
