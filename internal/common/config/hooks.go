package config

import (
	"fmt"
	"reflect"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// CustomHooks replaces viper's default decode hook, so the defaults (durations and comma separated slices) are
// composed back in alongside ours.
var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		ByteSizeDecodeHook(),
		mapstructure.TextUnmarshallerHookFunc(),
	)),
}

// ByteSizeDecodeHook decodes human readable sizes such as "512MB" or plain byte counts into a datasize.ByteSize.
func ByteSizeDecodeHook() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if t != reflect.TypeOf(datasize.ByteSize(0)) {
			return data, nil
		}
		switch f.Kind() {
		case reflect.String:
			return datasize.ParseString(data.(string))
		case reflect.Int, reflect.Int32, reflect.Int64, reflect.Uint, reflect.Uint32, reflect.Uint64, reflect.Float64:
			var size datasize.ByteSize
			err := size.UnmarshalText([]byte(fmt.Sprintf("%v", data)))
			return size, err
		default:
			return data, nil
		}
	}
}
