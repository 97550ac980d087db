package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/google/gousb"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/alex-hhh/TrainerControl/internal/ant"
	"github.com/alex-hhh/TrainerControl/internal/telemetry"
)

func setupConfig() error {
	pflag.String("config", "", "path to a config file (default: ./trainer-control.yaml)")
	pflag.Int("port", telemetry.DefaultPort, "telemetry server port")
	pflag.String("log-file", "trainer-control.log", "log file path")
	pflag.Uint32("hrm-device", 0, "preferred HRM device number (0 = any)")
	pflag.Uint32("fec-device", 0, "preferred FE-C device number (0 = any)")
	pflag.Float64("user-weight", 75.0, "rider weight in kg")
	pflag.Float64("bike-weight", 10.0, "bike weight in kg")
	pflag.Float64("wheel-diameter", 0.668, "wheel diameter in meters")
	pflag.Parse()

	if err := viper.BindPFlags(pflag.CommandLine); err != nil {
		return err
	}

	viper.SetDefault("log-max-size-mb", 10)
	viper.SetDefault("log-max-backups", 3)

	viper.SetEnvPrefix("TRAINER_CONTROL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file: %w", err)
		}
		return nil
	}

	viper.SetConfigName("trainer-control")
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("reading config file: %w", err)
		}
	}
	return nil
}

func setupLogger() *log.Logger {
	sink := &lumberjack.Logger{
		Filename:   viper.GetString("log-file"),
		MaxSize:    viper.GetInt("log-max-size-mb"),
		MaxBackups: viper.GetInt("log-max-backups"),
	}
	return log.New(io.MultiWriter(os.Stderr, sink), "", log.LstdFlags)
}

// run brings up one dongle and serves telemetry until something fails.
func run(usbCtx *gousb.Context, logger *log.Logger) error {
	transport, err := ant.OpenUSBTransport(usbCtx, logger)
	if err != nil {
		return err
	}
	defer transport.Close()

	dongle, err := ant.NewDongle(transport, logger)
	if err != nil {
		return err
	}
	logger.Printf("USB stick: serial# %d, version %s, max %d networks, max %d channels",
		dongle.Serial(), dongle.Version(), dongle.MaxNetworks(), dongle.MaxChannels())

	if err := dongle.SetNetworkKey(ant.PlusNetworkKey); err != nil {
		return err
	}

	server, err := telemetry.NewServer(dongle, telemetry.Config{
		Port:               viper.GetInt("port"),
		HRMDeviceNumber:    viper.GetUint32("hrm-device"),
		FECDeviceNumber:    viper.GetUint32("fec-device"),
		UserWeightKg:       viper.GetFloat64("user-weight"),
		BikeWeightKg:       viper.GetFloat64("bike-weight"),
		WheelDiameterMeter: viper.GetFloat64("wheel-diameter"),
	}, logger)
	if err != nil {
		return err
	}
	defer server.Close()

	for {
		if err := server.Tick(); err != nil {
			return err
		}
	}
}

func main() {
	if err := setupConfig(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := setupLogger()

	// One gousb context per process, the Go equivalent of the global
	// libusb_init.
	usbCtx := gousb.NewContext()
	defer usbCtx.Close()

	for {
		err := run(usbCtx, logger)
		if errors.Is(err, ant.ErrDeviceNotFound) {
			logger.Printf("%v", err)
			os.Exit(1)
		}
		// Anything else is a transient dongle failure; restart from a
		// fresh bring-up.
		logger.Printf("Restarting ANT stick: %v", err)
	}
}
