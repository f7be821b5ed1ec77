package pgmux

import (
	"os"

	jsoniter "github.com/json-iterator/go"
)

// ConvertJSONFileToConfig opens a file.json and converts it to a ClientConfig.
func ConvertJSONFileToConfig(fileNamePath string) (*ClientConfig, error) {

	byteValue, err := os.ReadFile(fileNamePath)
	if err != nil {
		return nil, err
	}

	config := &ClientConfig{}
	var json = jsoniter.ConfigFastest
	err = json.Unmarshal(byteValue, config)

	return config, err
}

// ConvertJSONBytesToConfig converts raw JSON bytes to a ClientConfig.
func ConvertJSONBytesToConfig(data []byte) (*ClientConfig, error) {

	config := &ClientConfig{}
	var json = jsoniter.ConfigFastest
	err := json.Unmarshal(data, config)

	return config, err
}
