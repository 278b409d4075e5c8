package vkg

import (
	"unsafe"

	"github.com/pkg/errors"
	vk "github.com/vulkan-go/vulkan"
	"go.uber.org/zap"
)

// InitializeForComputeOnly loads the Vulkan loader without any window system
// integration. It has to run before any other call in this package.
func InitializeForComputeOnly() error {
	if err := vk.SetDefaultGetInstanceProcAddr(); err != nil {
		return errors.Wrap(err, "vkg: load vulkan")
	}
	if err := vk.Init(); err != nil {
		return errors.Wrap(err, "vkg: init vulkan")
	}
	return nil
}

// Version is used to specify versions of components
type Version struct {
	Major int
	Minor int
	Patch int
}

// VKVersion returns a Vulkan compatible version representation
func (v *Version) VKVersion() uint32 {
	return vk.MakeVersion(v.Major, v.Minor, v.Patch)
}

// App is used to provide information about this specific application to Vulkan
type App struct {
	Name       string
	EngineName string
	Version    Version
	// APIVersion the expected minimum version of the Vulkan API (i.e. 1.0.0)
	APIVersion Version

	EnabledLayers     []string
	EnabledExtensions []string
}

// SupportedLayers returns the instance layers known to the loader.
func SupportedLayers() ([]string, error) {
	var count uint32
	if err := vk.Error(vk.EnumerateInstanceLayerProperties(&count, nil)); err != nil {
		return nil, errors.Wrap(err, "vkg: enumerate layers")
	}
	props := make([]vk.LayerProperties, count)
	if err := vk.Error(vk.EnumerateInstanceLayerProperties(&count, props)); err != nil {
		return nil, errors.Wrap(err, "vkg: enumerate layers")
	}
	names := make([]string, 0, count)
	for _, layer := range props {
		layer.Deref()
		names = append(names, vk.ToString(layer.LayerName[:]))
	}
	return names, nil
}

// SupportedExtensions returns the instance extensions known to the loader.
func SupportedExtensions() ([]string, error) {
	var count uint32
	if err := vk.Error(vk.EnumerateInstanceExtensionProperties("", &count, nil)); err != nil {
		return nil, errors.Wrap(err, "vkg: enumerate extensions")
	}
	props := make([]vk.ExtensionProperties, count)
	if err := vk.Error(vk.EnumerateInstanceExtensionProperties("", &count, props)); err != nil {
		return nil, errors.Wrap(err, "vkg: enumerate extensions")
	}
	names := make([]string, 0, count)
	for _, ext := range props {
		ext.Deref()
		names = append(names, vk.ToString(ext.ExtensionName[:]))
	}
	return names, nil
}

// EnableDebugging turns on the Khronos validation layer together with the
// debug report extension used by Instance.SetDebugLogger.
func (a *App) EnableDebugging() error {
	if _, err := a.EnableLayer("VK_LAYER_KHRONOS_validation"); err != nil {
		return err
	}
	a.EnableExtension("VK_EXT_debug_report")
	return nil
}

// EnableLayer enables a layer if the loader knows it.
func (a *App) EnableLayer(layer string) (*App, error) {
	layers, err := SupportedLayers()
	if err != nil {
		return a, err
	}
	for _, l := range layers {
		if l == layer {
			a.EnabledLayers = append(a.EnabledLayers, layer)
			return a, nil
		}
	}
	return a, errors.Errorf("vkg: validation layer %q not found", layer)
}

func (a *App) EnableExtension(extension string) *App {
	a.EnabledExtensions = append(a.EnabledExtensions, extension)
	return a
}

// VKApplicationInfo creates a structure representing this application in a Vulkan friendly format
func (a *App) VKApplicationInfo() vk.ApplicationInfo {
	if a.APIVersion.Major < 1 {
		a.APIVersion.Major = 1
	}
	return vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		ApiVersion:         a.APIVersion.VKVersion(),
		ApplicationVersion: a.Version.VKVersion(),
		PApplicationName:   safeString(a.Name),
		PEngineName:        safeString(a.EngineName),
	}
}

func (a *App) CreateInstance() (*Instance, error) {
	appInfo := a.VKApplicationInfo()
	extensions := safeStrings(a.EnabledExtensions)
	layers := safeStrings(a.EnabledLayers)

	createInfo := vk.InstanceCreateInfo{
		SType:                   vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo:        &appInfo,
		EnabledExtensionCount:   uint32(len(extensions)),
		PpEnabledExtensionNames: extensions,
		EnabledLayerCount:       uint32(len(layers)),
		PpEnabledLayerNames:     layers,
	}

	instance := &Instance{}
	if err := vk.Error(vk.CreateInstance(&createInfo, nil, &instance.VKInstance)); err != nil {
		return nil, errors.Wrap(err, "vkg: create instance")
	}
	if err := vk.InitInstance(instance.VKInstance); err != nil {
		vk.DestroyInstance(instance.VKInstance, nil)
		return nil, errors.Wrap(err, "vkg: init instance")
	}
	return instance, nil
}

// Instance is an instance of the Vulkan subsystem
type Instance struct {
	VKInstance vk.Instance

	debugCallback vk.DebugReportCallback
	hasCallback   bool
}

// PhysicalDevices returns every device the instance can see.
func (i *Instance) PhysicalDevices() ([]*PhysicalDevice, error) {
	var count uint32
	if err := vk.Error(vk.EnumeratePhysicalDevices(i.VKInstance, &count, nil)); err != nil {
		return nil, errors.Wrap(err, "vkg: enumerate physical devices")
	}
	if count == 0 {
		return nil, nil
	}
	devices := make([]vk.PhysicalDevice, count)
	if err := vk.Error(vk.EnumeratePhysicalDevices(i.VKInstance, &count, devices)); err != nil {
		return nil, errors.Wrap(err, "vkg: enumerate physical devices")
	}

	ret := make([]*PhysicalDevice, count)
	for n, device := range devices {
		p := &PhysicalDevice{VKPhysicalDevice: device}
		vk.GetPhysicalDeviceProperties(device, &p.VKPhysicalDeviceProperties)
		p.VKPhysicalDeviceProperties.Deref()
		p.DeviceName = vk.ToString(p.VKPhysicalDeviceProperties.DeviceName[:])
		ret[n] = p
	}
	return ret, nil
}

// SetDebugLogger routes validation messages to log. Requires the
// VK_EXT_debug_report extension, see App.EnableDebugging.
func (i *Instance) SetDebugLogger(log *zap.Logger) error {
	return i.SetDebugCallback(DebugLogger(log))
}

func (i *Instance) SetDebugCallback(callback vk.DebugReportCallbackFunc) error {
	ret := vk.CreateDebugReportCallback(i.VKInstance, &vk.DebugReportCallbackCreateInfo{
		SType:       vk.StructureTypeDebugReportCallbackCreateInfo,
		Flags:       vk.DebugReportFlags(vk.DebugReportErrorBit | vk.DebugReportWarningBit | vk.DebugReportPerformanceWarningBit),
		PfnCallback: callback,
	}, nil, &i.debugCallback)
	if err := vk.Error(ret); err != nil {
		return errors.Wrap(err, "vkg: create debug callback")
	}
	i.hasCallback = true
	return nil
}

// DebugLogger returns a debug report callback writing through log.
func DebugLogger(log *zap.Logger) vk.DebugReportCallbackFunc {
	return func(flags vk.DebugReportFlags, objectType vk.DebugReportObjectType,
		object uint64, location uint, messageCode int32, pLayerPrefix string,
		pMessage string, pUserData unsafe.Pointer) vk.Bool32 {

		fields := []zap.Field{
			zap.String("layer", pLayerPrefix),
			zap.Int32("code", messageCode),
		}
		switch {
		case flags&vk.DebugReportFlags(vk.DebugReportErrorBit) != 0:
			log.Error(pMessage, fields...)
		case flags&vk.DebugReportFlags(vk.DebugReportWarningBit) != 0:
			log.Warn(pMessage, fields...)
		case flags&vk.DebugReportFlags(vk.DebugReportPerformanceWarningBit) != 0:
			log.Warn(pMessage, append(fields, zap.Bool("performance", true))...)
		case flags&vk.DebugReportFlags(vk.DebugReportInformationBit) != 0:
			log.Info(pMessage, fields...)
		default:
			log.Debug(pMessage, fields...)
		}
		return vk.Bool32(vk.False)
	}
}

func (i *Instance) Destroy() {
	if i.hasCallback {
		vk.DestroyDebugReportCallback(i.VKInstance, i.debugCallback, nil)
		i.hasCallback = false
	}
	vk.DestroyInstance(i.VKInstance, nil)
}
