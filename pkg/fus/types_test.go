package fus

import (
	"errors"
	"testing"
)

func TestNormalizeVersion(t *testing.T) {
	tests := []struct {
		name    string
		version string
		want    string
		wantErr bool
	}{
		{name: "two parts", version: "A/B", want: "A/B/A/A"},
		{name: "three parts", version: "A/B/C", want: "A/B/C/A"},
		{name: "four parts", version: "A/B/C/D", want: "A/B/C/D"},
		{name: "empty phone", version: "T510XXU5CWA1/T510OXM5CWA1//T510XXU5CWA1", want: "T510XXU5CWA1/T510OXM5CWA1//T510XXU5CWA1"},
		{name: "empty data", version: "A/B/C/", want: "A/B/C/A"},
		{name: "whitespace", version: " A / B ", want: "A/B/A/A"},
		{name: "single", version: "A", wantErr: true},
		{name: "five parts", version: "A/B/C/D/E", wantErr: true},
		{name: "empty csc", version: "A//C", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeVersion(tt.version)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NormalizeVersion() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("NormalizeVersion() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTagFromFilename(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		want     VersionTag
		plain    string
		wantErr  bool
	}{
		{name: "enc2", filename: "SM-N960F_1_20181101_abc.zip.enc2", want: V2, plain: "SM-N960F_1_20181101_abc.zip"},
		{name: "enc4", filename: "SM-G991B_1_20220601_abc.zip.enc4", want: V4, plain: "SM-G991B_1_20220601_abc.zip"},
		{name: "upper case", filename: "FW.ZIP.ENC4", want: V4, plain: "FW.ZIP"},
		{name: "plain zip", filename: "firmware.zip", wantErr: true},
		{name: "enc3", filename: "firmware.zip.enc3", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := TagFromFilename(tt.filename)
			if tt.wantErr {
				if !errors.Is(err, ErrParse) {
					t.Errorf("TagFromFilename() error = %v, want %v", err, ErrParse)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("TagFromFilename() = %v, want %v", got, tt.want)
			}
			info := &BinaryInfo{Filename: tt.filename, Tag: got}
			if info.DecryptedName() != tt.plain {
				t.Errorf("DecryptedName() = %q, want %q", info.DecryptedName(), tt.plain)
			}
		})
	}
}

func TestBinaryInfoFromResponse(t *testing.T) {
	reply := func(fields ...[2]string) *fusMsgResponse {
		data := `<FUSMsg><FUSBody><Results><Status>200</Status></Results><Put>`
		for _, f := range fields {
			data += "<" + f[0] + "><Data>" + f[1] + "</Data></" + f[0] + ">"
		}
		data += `</Put></FUSBody></FUSMsg>`
		r, err := parseResponse([]byte(data))
		if err != nil {
			t.Fatal(err)
		}
		return r
	}
	tests := []struct {
		name    string
		reply   *fusMsgResponse
		wantErr error
	}{
		{
			name:  "valid",
			reply: reply([2]string{"BINARY_NAME", "fw.zip.enc4"}, [2]string{"BINARY_BYTE_SIZE", "4096"}, [2]string{"BINARY_CRC", "4294967295"}, [2]string{"MODEL_PATH", "/neofus/9/"}),
		},
		{
			name:    "no binary",
			reply:   reply([2]string{"BINARY_BYTE_SIZE", "4096"}),
			wantErr: ErrNotFound,
		},
		{
			name:    "unaligned size",
			reply:   reply([2]string{"BINARY_NAME", "fw.zip.enc4"}, [2]string{"BINARY_BYTE_SIZE", "4097"}, [2]string{"BINARY_CRC", "1"}),
			wantErr: ErrParse,
		},
		{
			name:    "crc overflow",
			reply:   reply([2]string{"BINARY_NAME", "fw.zip.enc4"}, [2]string{"BINARY_BYTE_SIZE", "4096"}, [2]string{"BINARY_CRC", "4294967296"}),
			wantErr: ErrParse,
		},
		{
			name:    "path traversal",
			reply:   reply([2]string{"BINARY_NAME", "../fw.zip.enc4"}, [2]string{"BINARY_BYTE_SIZE", "4096"}, [2]string{"BINARY_CRC", "1"}),
			wantErr: ErrParse,
		},
		{
			name:    "unknown container",
			reply:   reply([2]string{"BINARY_NAME", "fw.zip"}, [2]string{"BINARY_BYTE_SIZE", "4096"}, [2]string{"BINARY_CRC", "1"}),
			wantErr: ErrParse,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := binaryInfoFromResponse(tt.reply)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("binaryInfoFromResponse() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if info.Size != 4096 || info.CRC != 0xFFFFFFFF || info.Tag != V4 || info.Path != "/neofus/9/" {
				t.Errorf("binaryInfoFromResponse() = %+v", info)
			}
			if DownloadPath(info) != "NF_DownloadBinaryForMass.do?file=/neofus/9/fw.zip.enc4" {
				t.Errorf("DownloadPath() = %q", DownloadPath(info))
			}
		})
	}
}

func TestBinaryInfoKeyMaterial(t *testing.T) {
	data := `<FUSMsg><FUSBody><Results><Status>200</Status>` +
		`<LATEST_FW_VERSION><Data>A/B/C/D</Data></LATEST_FW_VERSION></Results><Put>` +
		`<BINARY_NAME><Data>fw.zip.enc4</Data></BINARY_NAME>` +
		`<BINARY_BYTE_SIZE><Data>4096</Data></BINARY_BYTE_SIZE>` +
		`<BINARY_CRC><Data>1</Data></BINARY_CRC>` +
		`<LOGIC_VALUE_FACTORY><Data>0123456789abcdef</Data></LOGIC_VALUE_FACTORY>` +
		`</Put></FUSBody></FUSMsg>`
	r, err := parseResponse([]byte(data))
	if err != nil {
		t.Fatal(err)
	}
	info, err := binaryInfoFromResponse(r)
	if err != nil {
		t.Fatal(err)
	}
	if info.LatestVersion != "A/B/C/D" || info.LogicValue != "0123456789abcdef" {
		t.Errorf("binaryInfoFromResponse() LatestVersion = %q, LogicValue = %q", info.LatestVersion, info.LogicValue)
	}
}
